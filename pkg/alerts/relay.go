package alerts

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
)

const (
	relayBatchSize        = 10
	relayBlock            = 1 * time.Second
	relayRecoveryInterval = 30 * time.Second
	relayMinIdle          = 1 * time.Minute
)

// InternalAlert is one entry read back from the internal alert stream.
type InternalAlert struct {
	ID        string
	Recipient string
	Message   string
	CreatedAt time.Time
}

// AlertHandler processes a relayed alert. A non-nil error leaves the entry
// pending so it is reclaimed later.
type AlertHandler func(ctx context.Context, alert InternalAlert) error

// Relay consumes the internal alert stream through a consumer group so every
// alert is handled by exactly one pod and acknowledged only after success.
type Relay struct {
	rdb          *redis.Client
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	group        string
	consumerName string
	handler      AlertHandler
	isLeader     func() bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewRelay(rdb *redis.Client, group, podID string, handler AlertHandler, logger *logrus.Logger, metrics *metrics.Metrics) *Relay {
	return &Relay{
		rdb:          rdb,
		logger:       logger,
		metrics:      metrics,
		group:        group,
		consumerName: fmt.Sprintf("relay-%s", podID),
		handler:      handler,
		stopCh:       make(chan struct{}),
	}
}

// LogAlertHandler is the default handler: it records the alert in the log
// stream watched by on-call staff.
func LogAlertHandler(logger *logrus.Logger) AlertHandler {
	return func(_ context.Context, alert InternalAlert) error {
		logger.WithFields(logrus.Fields{
			"alert_id":  alert.ID,
			"recipient": alert.Recipient,
			"channel":   "INTERNAL",
		}).Warn(alert.Message)
		return nil
	}
}

// GateRecovery restricts the pending sweep to pods for which isLeader
// returns true. Without a gate every pod sweeps.
func (r *Relay) GateRecovery(isLeader func() bool) {
	r.isLeader = isLeader
}

func (r *Relay) Start(ctx context.Context) error {
	if err := r.createConsumerGroup(ctx); err != nil {
		return err
	}

	r.logger.WithField("consumer_name", r.consumerName).Info("Starting internal alert relay")

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.consumeLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.pendingRecoveryLoop(ctx)
	}()
	return nil
}

func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Relay) createConsumerGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, constants.InternalAlertStream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	r.logger.WithField("consumer_group", r.group).Info("Consumer group ready")
	return nil
}

func (r *Relay) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
			r.consumeOnce(ctx)
		}
	}
}

// consumeOnce reads and processes one batch. It returns the number of
// entries read.
func (r *Relay) consumeOnce(ctx context.Context) int {
	start := time.Now()

	streams, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumerName,
		Streams:  []string{constants.InternalAlertStream, ">"},
		Count:    relayBatchSize,
		Block:    relayBlock,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			r.logger.WithError(err).Error("Failed to read internal alert stream")
			// avoid a hot loop while Redis is unreachable
			select {
			case <-time.After(relayBlock):
			case <-ctx.Done():
			case <-r.stopCh:
			}
		}
		return 0
	}

	n := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			r.processMessage(ctx, message)
			n++
		}
	}

	if n > 0 {
		r.metrics.AlertProcessingDuration.Observe(time.Since(start).Seconds())
	}
	return n
}

func (r *Relay) processMessage(ctx context.Context, message redis.XMessage) {
	alert, err := parseInternalAlert(message)
	if err != nil {
		r.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse internal alert")
		r.metrics.AlertMessagesProcessed.WithLabelValues("parse_error").Inc()
		// malformed entries are acknowledged so they are not redelivered
		if err := r.acknowledge(ctx, message.ID); err != nil {
			r.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge malformed internal alert")
		}
		return
	}

	if err := r.handler(ctx, alert); err != nil {
		r.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to handle internal alert")
		r.metrics.AlertMessagesProcessed.WithLabelValues("handler_error").Inc()
		return
	}

	if err := r.acknowledge(ctx, message.ID); err != nil {
		r.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge internal alert")
		return
	}
	r.metrics.AlertMessagesProcessed.WithLabelValues("success").Inc()
}

func parseInternalAlert(message redis.XMessage) (InternalAlert, error) {
	alert := InternalAlert{ID: message.ID}

	msg, ok := message.Values["message"].(string)
	if !ok || msg == "" {
		return alert, fmt.Errorf("missing or invalid message")
	}
	alert.Message = msg

	if recipient, ok := message.Values["recipient"].(string); ok {
		alert.Recipient = recipient
	}

	if createdStr, ok := message.Values["created_at"].(string); ok {
		ms, err := strconv.ParseInt(createdStr, 10, 64)
		if err != nil {
			return alert, fmt.Errorf("invalid created_at format: %w", err)
		}
		alert.CreatedAt = time.UnixMilli(ms)
	}

	return alert, nil
}

func (r *Relay) acknowledge(ctx context.Context, messageID string) error {
	return r.rdb.XAck(ctx, constants.InternalAlertStream, r.group, messageID).Err()
}

func (r *Relay) pendingRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(relayRecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.isLeader != nil && !r.isLeader() {
				continue
			}
			r.recoverPending(ctx, relayMinIdle)
		}
	}
}

// recoverPending claims entries left unacknowledged for at least minIdle by
// any consumer in the group and retries them. XPENDING plus XCLAIM is used
// instead of XAUTOCLAIM, whose reply shape changed in Redis 7.
func (r *Relay) recoverPending(ctx context.Context, minIdle time.Duration) {
	pending, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: constants.InternalAlertStream,
		Group:  r.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  relayBatchSize,
	}).Result()
	if err != nil {
		r.logger.WithError(err).Error("Failed to get pending internal alerts")
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	r.logger.WithField("pending_count", len(ids)).Info("Reclaiming pending internal alerts")

	messages, err := r.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   constants.InternalAlertStream,
		Group:    r.group,
		Consumer: r.consumerName,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		r.logger.WithError(err).Error("Failed to claim pending internal alerts")
		return
	}

	for _, message := range messages {
		r.processMessage(ctx, message)
	}
}
