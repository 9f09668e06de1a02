package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"safety-aware-orchestrator/pkg/models"
)

const (
	defaultHTTPTimeout     = 10 * time.Second
	DefaultTelegramBaseURL = "https://api.telegram.org"
	ehrNoteCategory        = "crisis_alert"
	ehrNoteSource          = "safety_orchestrator"
)

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// postJSON sends body to endpoint and returns the response body for 2xx
// statuses.
func postJSON(ctx context.Context, client *http.Client, endpoint, bearer string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

// WhatsAppNotifier sends text messages through the WhatsApp Business Cloud API.
type WhatsAppNotifier struct {
	APIURL        string
	AccessToken   string
	PhoneNumberID string
	Client        *http.Client
}

func NewWhatsAppNotifier(apiURL, accessToken, phoneNumberID string) *WhatsAppNotifier {
	return &WhatsAppNotifier{
		APIURL:        strings.TrimRight(apiURL, "/"),
		AccessToken:   accessToken,
		PhoneNumberID: phoneNumberID,
		Client:        defaultHTTPClient(),
	}
}

func (w *WhatsAppNotifier) Channel() models.Channel { return models.ChannelWhatsApp }

func (w *WhatsAppNotifier) Available() bool {
	return w.APIURL != "" && w.AccessToken != "" && w.PhoneNumberID != ""
}

func (w *WhatsAppNotifier) Send(ctx context.Context, recipient, message string) error {
	if recipient == "" {
		return fmt.Errorf("whatsapp recipient is empty")
	}

	body := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                recipient,
		"type":              "text",
		"text":              map[string]string{"body": message},
	}

	endpoint := fmt.Sprintf("%s/%s/messages", w.APIURL, url.PathEscape(w.PhoneNumberID))
	if _, err := postJSON(ctx, w.Client, endpoint, w.AccessToken, body); err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	return nil
}

// TelegramNotifier sends messages through the Telegram Bot API.
type TelegramNotifier struct {
	BaseURL  string
	BotToken string
	Client   *http.Client
}

func NewTelegramNotifier(botToken string) *TelegramNotifier {
	return &TelegramNotifier{
		BaseURL:  DefaultTelegramBaseURL,
		BotToken: botToken,
		Client:   defaultHTTPClient(),
	}
}

func (t *TelegramNotifier) Channel() models.Channel { return models.ChannelTelegram }

func (t *TelegramNotifier) Available() bool {
	return t.BotToken != ""
}

func (t *TelegramNotifier) Send(ctx context.Context, recipient, message string) error {
	if recipient == "" {
		return fmt.Errorf("telegram chat id is empty")
	}

	body := map[string]interface{}{
		"chat_id":    recipient,
		"text":       message,
		"parse_mode": "HTML",
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.BaseURL, "/"), t.BotToken)
	respBody, err := postJSON(ctx, t.Client, endpoint, "", body)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("telegram send: invalid response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram send: %s", result.Description)
	}
	return nil
}

// EHRNotifier appends a crisis note to the patient's record. The recipient is
// the patient id.
type EHRNotifier struct {
	APIURL string
	APIKey string
	Client *http.Client
	now    func() time.Time
}

func NewEHRNotifier(apiURL, apiKey string) *EHRNotifier {
	return &EHRNotifier{
		APIURL: strings.TrimRight(apiURL, "/"),
		APIKey: apiKey,
		Client: defaultHTTPClient(),
		now:    time.Now,
	}
}

func (e *EHRNotifier) Channel() models.Channel { return models.ChannelEHR }

func (e *EHRNotifier) Available() bool {
	return e.APIURL != "" && e.APIKey != ""
}

func (e *EHRNotifier) Send(ctx context.Context, patientID, note string) error {
	if patientID == "" {
		return fmt.Errorf("ehr patient id is empty")
	}

	body := map[string]interface{}{
		"patient_id": patientID,
		"note":       note,
		"category":   ehrNoteCategory,
		"timestamp":  e.now().UTC().Format(time.RFC3339),
		"source":     ehrNoteSource,
	}

	endpoint := fmt.Sprintf("%s/patients/%s/notes", e.APIURL, url.PathEscape(patientID))
	if _, err := postJSON(ctx, e.Client, endpoint, e.APIKey, body); err != nil {
		return fmt.Errorf("ehr note: %w", err)
	}
	return nil
}
