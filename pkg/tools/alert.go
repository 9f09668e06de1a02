package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"safety-aware-orchestrator/pkg/models"
)

const SendAlert = "send_alert"

// AlertSender delivers a manual alert through the escalation channels.
type AlertSender interface {
	SendAlert(ctx context.Context, userID string, channel models.Channel, message string) models.DispatchResult
}

type sendAlertArgs struct {
	Message string `json:"message" jsonschema:"required,description=What the emergency contact needs to know"`
	Channel string `json:"channel,omitempty" jsonschema:"enum=INTERNAL,enum=WHATSAPP,enum=TELEGRAM,enum=EHR,description=Where to send the alert (defaults to INTERNAL)"`
}

// AlertTool lets the model alert the user's emergency contact. Only a sent
// or duplicate dispatch counts as success.
func AlertTool(alerts AlertSender) Tool {
	return Tool{
		Name:        SendAlert,
		Description: "Sends an emergency alert to the user's guardian or care team. Use ONLY in crisis situations (suicide, self-harm, immediate danger).",
		Parameters:  GenerateSchema[sendAlertArgs](),
		Run: func(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
			var args sendAlertArgs
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Message) == "" {
				return "", fmt.Errorf("message is required")
			}
			channel := models.Channel(strings.ToUpper(args.Channel))
			switch channel {
			case "", models.ChannelInternal, models.ChannelWhatsApp, models.ChannelTelegram, models.ChannelEHR:
			default:
				return "", fmt.Errorf("unknown channel %q", args.Channel)
			}

			res := alerts.SendAlert(ctx, userID, channel, args.Message)
			switch res.Status {
			case models.DispatchSent:
				return fmt.Sprintf("Alert sent via %s.", res.Channel), nil
			case models.DispatchDuplicate:
				return fmt.Sprintf("This alert was already sent via %s.", res.Channel), nil
			default:
				return "", fmt.Errorf("alert via %s %s: %s", res.Channel, res.Status, res.Error)
			}
		},
	}
}
