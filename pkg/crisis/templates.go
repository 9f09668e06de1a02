package crisis

import (
	"fmt"
	"time"

	"safety-aware-orchestrator/pkg/models"
)

const (
	criticalMessage = "I've detected that you may be in distress. I'm activating safety protocols " +
		"and alerting your emergency contacts. Please stay safe and reach out to someone " +
		"you trust immediately. If you're having thoughts of self-harm, please contact " +
		"the National Suicide Prevention Lifeline at 988 or your local emergency number."

	warningMessage = "It sounds like you're going through something really hard right now. " +
		"I've let your care team know so someone can check in with you. You don't have to " +
		"handle this alone. If things feel unsafe, please call or text 988 or your local emergency number."

	cautionMessage = "I'm noticing this has been weighing on you. I'm here to listen, and I've " +
		"flagged this conversation so your support team can follow up. If you ever feel unsafe, " +
		"you can reach the 988 Suicide & Crisis Lifeline any time."

	internalAlertText  = "URGENT: User may be in crisis. Immediate attention required."
	crisisNotification = "CRISIS DETECTED: Emergency protocols activated. Help is being contacted."
	notificationType   = "alert"
)

// userMessage selects the reply shown to the user. NORMAL never reaches the
// handler on its own and is treated as CAUTION.
func userMessage(level models.RiskLevel) string {
	switch level {
	case models.RiskCritical:
		return criticalMessage
	case models.RiskWarning:
		return warningMessage
	default:
		return cautionMessage
	}
}

// channelPayload is the text delivered on channel for this escalation.
func channelPayload(channel models.Channel, userID string, level models.RiskLevel, at time.Time) string {
	switch channel {
	case models.ChannelWhatsApp, models.ChannelTelegram:
		return fmt.Sprintf("CRISIS ALERT: User %s may be in distress (severity %s). Immediate attention required.", userID, level)
	case models.ChannelEHR:
		return fmt.Sprintf("Crisis detected at %s. User may be in distress. Severity: %s.", at.UTC().Format(time.RFC3339), level)
	default:
		return internalAlertText
	}
}
