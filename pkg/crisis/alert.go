package crisis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/models"
)

const alertKeyPrefix = "alert_"

// SendAlert delivers a manual alert about userID on channel. It goes through
// the same ledger as escalations, so repeating the same alert inside the
// window reports DispatchDuplicate instead of sending again.
func (h *Handler) SendAlert(ctx context.Context, userID string, channel models.Channel, message string) models.DispatchResult {
	if channel == "" {
		channel = models.ChannelInternal
	}
	key := AlertKey(userID, channel, message)

	target := h.targetFor(channel, userID)
	if target == "" || !h.dispatcher.IsAvailable(channel) {
		h.metrics.DispatchResults.WithLabelValues(string(channel), string(models.DispatchUnavailable)).Inc()
		return models.DispatchResult{
			Channel:        channel,
			IdempotencyKey: key,
			Status:         models.DispatchUnavailable,
			Error:          fmt.Sprintf("%s: %v", channel, models.ErrChannelUnavailable),
		}
	}

	h.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"channel": channel,
	}).Warn("Manual alert requested")

	result := h.dispatch(ctx, models.EscalationAction{
		Channel:        channel,
		Target:         target,
		Payload:        fmt.Sprintf("ALERT for user %s: %s", userID, strings.TrimSpace(message)),
		IdempotencyKey: key,
	})
	h.metrics.DispatchResults.WithLabelValues(string(result.Channel), string(result.Status)).Inc()
	return result
}

// AlertKey derives the dispatch key of a manual alert from user, channel and
// the normalized message.
func AlertKey(userID string, channel models.Channel, message string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(message)), " ")
	sum := sha256.Sum256([]byte(userID + "|" + string(channel) + "|" + normalized))
	return alertKeyPrefix + strings.ToLower(string(channel)) + "_" + hex.EncodeToString(sum[:12])
}
