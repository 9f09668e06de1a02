// Package crisis builds the escalation turn for a detected crisis and
// dispatches it to the alert channels at most once per idempotency key.
package crisis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/metrics"
	"safety-aware-orchestrator/pkg/models"
)

const (
	ToolRequestSelfie        = "request_selfie"
	ToolAnalyzeVisualContext = "analyze_visual_context"

	idempotencyKeyPrefix = "esc_"
	defaultWindow        = 10 * time.Minute
)

// Dispatcher is the alert channel capability the handler depends on.
type Dispatcher interface {
	IsAvailable(channel models.Channel) bool
	Send(ctx context.Context, channel models.Channel, recipient, message string) error
}

// Ledger claims idempotency keys. A false result means the key was already
// dispatched inside the window.
type Ledger interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type NotificationRecorder interface {
	AddNotification(ctx context.Context, n models.Notification) (models.Notification, error)
}

// ToolRunner executes follow-up tool calls for CRITICAL escalations.
type ToolRunner interface {
	Execute(ctx context.Context, userID string, call models.ToolCall) (string, error)
}

// Targets are the recipients per channel. EHR always targets the user.
type Targets struct {
	Internal string
	WhatsApp string
	Telegram string
}

type Handler struct {
	dispatcher Dispatcher
	ledger     Ledger
	recorder   NotificationRecorder
	runner     ToolRunner
	targets    Targets
	window     time.Duration
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewHandler wires the handler. recorder and runner may be nil.
func NewHandler(dispatcher Dispatcher, ledger Ledger, recorder NotificationRecorder, runner ToolRunner, targets Targets, window time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Handler {
	if window <= 0 {
		window = defaultWindow
	}
	return &Handler{
		dispatcher: dispatcher,
		ledger:     ledger,
		recorder:   recorder,
		runner:     runner,
		targets:    targets,
		window:     window,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Handle produces exactly one escalation for a crisis entry. trigger is the
// text that caused the entry and feeds the idempotency keys. A nil assessment
// is handled as CRITICAL.
func (h *Handler) Handle(ctx context.Context, userID, trigger string, assessment *models.RiskAssessment) models.Escalation {
	level := models.RiskCritical
	if assessment != nil {
		level = assessment.Level
	}
	if level < models.RiskCaution {
		level = models.RiskCaution
	}

	log := h.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"level":   level.String(),
	})
	log.Warn("Crisis escalation triggered")
	h.metrics.EscalationsTotal.WithLabelValues(level.String()).Inc()

	esc := models.Escalation{
		Level:   level,
		Message: userMessage(level),
		Actions: h.buildActions(userID, trigger, level),
	}

	for _, action := range esc.Actions {
		result := h.dispatch(ctx, action)
		h.metrics.DispatchResults.WithLabelValues(string(result.Channel), string(result.Status)).Inc()
		esc.Results = append(esc.Results, result)
	}

	h.recordNotification(ctx, userID, log)

	if level == models.RiskCritical {
		esc.FollowUps = followUps(trigger, esc.Actions[0].IdempotencyKey)
		h.runFollowUps(ctx, userID, esc.FollowUps, log)
	}

	return esc
}

func (h *Handler) buildActions(userID, trigger string, level models.RiskLevel) []models.EscalationAction {
	at := h.now()
	actions := []models.EscalationAction{{
		Channel:        models.ChannelInternal,
		Target:         h.targets.Internal,
		Payload:        channelPayload(models.ChannelInternal, userID, level, at),
		IdempotencyKey: IdempotencyKey(userID, level, models.ChannelInternal, trigger),
	}}

	for _, ch := range models.ExternalChannels {
		if !h.dispatcher.IsAvailable(ch) {
			continue
		}
		target := h.targetFor(ch, userID)
		if target == "" {
			continue
		}
		actions = append(actions, models.EscalationAction{
			Channel:        ch,
			Target:         target,
			Payload:        channelPayload(ch, userID, level, at),
			IdempotencyKey: IdempotencyKey(userID, level, ch, trigger),
		})
	}
	return actions
}

func (h *Handler) targetFor(ch models.Channel, userID string) string {
	switch ch {
	case models.ChannelWhatsApp:
		return h.targets.WhatsApp
	case models.ChannelTelegram:
		return h.targets.Telegram
	case models.ChannelEHR:
		return userID
	default:
		return h.targets.Internal
	}
}

// dispatch sends one action at most once per key. A claimed key is never
// released, so a failed send is reported rather than retried.
func (h *Handler) dispatch(ctx context.Context, action models.EscalationAction) models.DispatchResult {
	result := models.DispatchResult{Channel: action.Channel, IdempotencyKey: action.IdempotencyKey}
	log := h.logger.WithFields(logrus.Fields{
		"channel":         action.Channel,
		"idempotency_key": action.IdempotencyKey,
	})

	claimed, err := h.ledger.TryAcquire(ctx, action.IdempotencyKey, h.window)
	if err != nil {
		// ledger errors fail open
		log.WithError(err).Warn("Idempotency ledger unavailable, dispatching anyway")
		claimed = true
	}
	if !claimed {
		log.Info("Skipping duplicate escalation dispatch")
		result.Status = models.DispatchDuplicate
		return result
	}

	if err := h.dispatcher.Send(ctx, action.Channel, action.Target, action.Payload); err != nil {
		result.Status = models.DispatchFailed
		if !h.dispatcher.IsAvailable(action.Channel) {
			result.Status = models.DispatchUnavailable
		}
		result.Error = err.Error()
		log.WithError(err).Warn("Escalation dispatch failed")
		return result
	}

	result.Status = models.DispatchSent
	return result
}

func (h *Handler) recordNotification(ctx context.Context, userID string, log *logrus.Entry) {
	if h.recorder == nil || userID == "" {
		return
	}
	_, err := h.recorder.AddNotification(ctx, models.Notification{
		UserID:  userID,
		Message: crisisNotification,
		Type:    notificationType,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to record crisis notification")
	}
}

func (h *Handler) runFollowUps(ctx context.Context, userID string, calls []models.ToolCall, log *logrus.Entry) {
	if h.runner == nil {
		return
	}
	for _, call := range calls {
		if _, err := h.runner.Execute(ctx, userID, call); err != nil {
			log.WithError(err).WithField("tool", call.Name).Warn("Crisis follow-up failed")
		}
	}
}

func followUps(trigger, baseKey string) []models.ToolCall {
	selfieArgs, _ := json.Marshal(map[string]string{"reason": "crisis assessment"})
	visualArgs, _ := json.Marshal(map[string]string{"image_description": trigger})
	return []models.ToolCall{
		{ID: baseKey + "_selfie", Name: ToolRequestSelfie, Arguments: selfieArgs},
		{ID: baseKey + "_visual", Name: ToolAnalyzeVisualContext, Arguments: visualArgs},
	}
}

// IdempotencyKey derives the dispatch key from user, severity, channel and the
// normalized trigger text. Identical inputs always yield the same key.
func IdempotencyKey(userID string, level models.RiskLevel, channel models.Channel, trigger string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(trigger)), " ")
	sum := sha256.Sum256([]byte(userID + "|" + level.String() + "|" + string(channel) + "|" + normalized))
	return idempotencyKeyPrefix + strings.ToLower(string(channel)) + "_" + hex.EncodeToString(sum[:12])
}
