// Package alerts implements the escalation channels and the dispatcher that
// fronts them.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/models"
)

// Notifier delivers a message over a single channel.
type Notifier interface {
	Channel() models.Channel
	Available() bool
	Send(ctx context.Context, recipient, message string) error
}

// Manager routes sends to the notifier registered for a channel. It is built
// once at startup and handed to the crisis handler and the live pipeline.
type Manager struct {
	notifiers map[models.Channel]Notifier
	logger    *logrus.Logger
}

func NewManager(logger *logrus.Logger, notifiers ...Notifier) *Manager {
	m := &Manager{
		notifiers: make(map[models.Channel]Notifier, len(notifiers)),
		logger:    logger,
	}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		m.notifiers[n.Channel()] = n
	}
	return m
}

func (m *Manager) IsAvailable(channel models.Channel) bool {
	n, ok := m.notifiers[channel]
	return ok && n.Available()
}

// Send delivers message on channel. Errors wrap ErrChannelUnavailable or
// ErrDispatchFailure.
func (m *Manager) Send(ctx context.Context, channel models.Channel, recipient, message string) error {
	n, ok := m.notifiers[channel]
	if !ok || !n.Available() {
		return fmt.Errorf("%s: %w", channel, models.ErrChannelUnavailable)
	}

	start := time.Now()
	err := n.Send(ctx, recipient, message)

	fields := logrus.Fields{
		"channel":     channel,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		m.logger.WithError(err).WithFields(fields).Warn("Alert dispatch failed")
		return fmt.Errorf("%s: %w: %v", channel, models.ErrDispatchFailure, err)
	}

	m.logger.WithFields(fields).Info("Alert dispatched")
	return nil
}

// Channels lists the registered channels that currently report available.
func (m *Manager) Channels() []models.Channel {
	var out []models.Channel
	for _, ch := range append([]models.Channel{models.ChannelInternal}, models.ExternalChannels...) {
		if m.IsAvailable(ch) {
			out = append(out, ch)
		}
	}
	return out
}
