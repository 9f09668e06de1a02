package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/dialogue"
	"safety-aware-orchestrator/pkg/models"
)

const (
	defaultNotificationLimit = 20
	maxNotificationLimit     = 100
	defaultMoodHistoryLimit  = 50
	maxMoodHistoryLimit      = 200
)

// integrationChannels is the order channels are reported in.
var integrationChannels = append([]models.Channel{models.ChannelInternal}, models.ExternalChannels...)

type TurnRunner interface {
	RunTurn(ctx context.Context, req dialogue.TurnRequest) (*dialogue.TurnResult, error)
}

type RecordStore interface {
	AddMoodLog(ctx context.Context, entry models.MoodLog) error
	MoodHistory(ctx context.Context, userID string, limit int) ([]models.MoodLog, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

type SessionRegistry interface {
	Start(ctx context.Context, userID string, mode models.SessionMode) (string, error)
	Stop(id string) bool
	Status() map[string]models.SessionStatus
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ChannelStatus reports whether an alert channel is configured and usable.
type ChannelStatus interface {
	IsAvailable(channel models.Channel) bool
}

type AlertSender interface {
	SendAlert(ctx context.Context, userID string, channel models.Channel, message string) models.DispatchResult
}

type Deps struct {
	Turns    TurnRunner
	Records  RecordStore
	Sessions SessionRegistry
	Health   HealthChecker
	Channels ChannelStatus
	Alerts   AlertSender
	// IsLeader reports relay leadership; nil reports false.
	IsLeader func() bool
}

type Handler struct {
	turns        TurnRunner
	records      RecordStore
	sessions     SessionRegistry
	health       HealthChecker
	channels     ChannelStatus
	alerts       AlertSender
	logger       *logrus.Logger
	isLeaderFunc func() bool
}

func NewHandler(deps Deps, logger *logrus.Logger) *Handler {
	isLeaderFunc := deps.IsLeader
	if isLeaderFunc == nil {
		isLeaderFunc = func() bool { return false }
	}
	return &Handler{
		turns:        deps.Turns,
		records:      deps.Records,
		sessions:     deps.Sessions,
		health:       deps.Health,
		channels:     deps.Channels,
		alerts:       deps.Alerts,
		logger:       logger,
		isLeaderFunc: isLeaderFunc,
	}
}

// ThreadMessage runs one dialogue turn. Failed turns answer with the fallback
// reply; the internal error is only logged.
func (h *Handler) ThreadMessage(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	if threadID == "" {
		http.Error(w, "Missing thread ID", http.StatusBadRequest)
		return
	}

	var request struct {
		UserID        string `json:"user_id"`
		Content       string `json:"content"`
		VisualContext string `json:"visual_context,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.UserID == "" {
		http.Error(w, "Missing user ID", http.StatusBadRequest)
		return
	}

	var msg models.Message
	switch {
	case strings.TrimSpace(request.VisualContext) != "":
		msg = models.NewVisualContextMessage(request.VisualContext)
	case strings.TrimSpace(request.Content) != "":
		msg = models.NewUserMessage(request.Content)
	default:
		http.Error(w, "Missing message content", http.StatusBadRequest)
		return
	}

	result, err := h.turns.RunTurn(r.Context(), dialogue.TurnRequest{
		UserID:   request.UserID,
		ThreadID: threadID,
		Message:  msg,
	})
	if err != nil {
		status := http.StatusInternalServerError
		var turnErr *dialogue.TurnError
		if errors.As(err, &turnErr) {
			status = http.StatusBadGateway
		}
		h.logger.WithError(err).WithFields(logrus.Fields{
			"thread_id": threadID,
			"user_id":   request.UserID,
		}).Error("Dialogue turn failed")

		writeJSON(w, status, map[string]interface{}{
			"success":   false,
			"thread_id": threadID,
			"reply":     constants.FallbackReply,
		})
		return
	}

	writeJSON(w, http.StatusOK, result)

	h.logger.WithFields(logrus.Fields{
		"thread_id": threadID,
		"user_id":   request.UserID,
		"outcome":   result.Outcome,
	}).Debug("Dialogue turn completed")
}

func (h *Handler) LogMood(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if userID == "" {
		http.Error(w, "Missing user ID", http.StatusBadRequest)
		return
	}

	var request struct {
		Mood      string    `json:"mood"`
		Intensity int       `json:"intensity"`
		Notes     string    `json:"notes,omitempty"`
		Timestamp time.Time `json:"timestamp,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Mood == "" || request.Intensity < 1 || request.Intensity > 10 {
		http.Error(w, "Mood and an intensity between 1 and 10 are required", http.StatusBadRequest)
		return
	}

	if request.Timestamp.IsZero() {
		request.Timestamp = time.Now()
	}

	entry := models.MoodLog{
		UserID:    userID,
		Mood:      request.Mood,
		Intensity: request.Intensity,
		Notes:     request.Notes,
		Timestamp: request.Timestamp,
	}

	if err := h.records.AddMoodLog(r.Context(), entry); err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to log mood")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"user_id":   userID,
		"logged_at": request.Timestamp,
	})

	h.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"mood":    request.Mood,
	}).Debug("Logged mood")
}

func (h *Handler) MoodHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if userID == "" {
		http.Error(w, "Missing user ID", http.StatusBadRequest)
		return
	}

	limit, ok := parseLimit(r, defaultMoodHistoryLimit, maxMoodHistoryLimit)
	if !ok {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	history, err := h.records.MoodHistory(r.Context(), userID, limit)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to read mood history")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []models.MoodLog{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"mood_logs": history,
	})
}

func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if userID == "" {
		http.Error(w, "Missing user ID", http.StatusBadRequest)
		return
	}

	limit, ok := parseLimit(r, defaultNotificationLimit, maxNotificationLimit)
	if !ok {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	notifications, err := h.records.ListNotifications(r.Context(), userID, limit)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to list notifications")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":       userID,
		"notifications": notifications,
	})
}

// SendAlert sends a manual alert about the user. Repeats inside the
// escalation window are answered with the duplicate status and not resent.
func (h *Handler) SendAlert(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if userID == "" {
		http.Error(w, "Missing user ID", http.StatusBadRequest)
		return
	}

	var request struct {
		Message string `json:"message"`
		Channel string `json:"channel,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(request.Message) == "" {
		http.Error(w, "Missing alert message", http.StatusBadRequest)
		return
	}
	channel := models.Channel(strings.ToUpper(request.Channel))
	if channel == "" {
		channel = models.ChannelInternal
	}
	if !slices.Contains(integrationChannels, channel) {
		http.Error(w, "Unknown channel", http.StatusBadRequest)
		return
	}

	result := h.alerts.SendAlert(r.Context(), userID, channel, request.Message)

	status := http.StatusOK
	switch result.Status {
	case models.DispatchUnavailable:
		status = http.StatusServiceUnavailable
	case models.DispatchFailed:
		status = http.StatusBadGateway
	}
	if status != http.StatusOK {
		h.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"channel": channel,
			"status":  result.Status,
		}).Warn("Manual alert not delivered")
	}

	writeJSON(w, status, map[string]interface{}{
		"success": status == http.StatusOK,
		"user_id": userID,
		"result":  result,
	})
}

// IntegrationsStatus reports availability per alert channel.
func (h *Handler) IntegrationsStatus(w http.ResponseWriter, r *http.Request) {
	channels := make(map[models.Channel]bool, len(integrationChannels))
	for _, ch := range integrationChannels {
		channels[ch] = h.channels.IsAvailable(ch)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels":  channels,
		"timestamp": time.Now(),
	})
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var request struct {
		UserID string `json:"user_id"`
		Mode   string `json:"mode,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.UserID == "" {
		http.Error(w, "Missing user ID", http.StatusBadRequest)
		return
	}
	mode, ok := models.ParseSessionMode(request.Mode)
	if !ok {
		http.Error(w, "Unknown session mode", http.StatusBadRequest)
		return
	}

	// the session outlives this request
	sessionID, err := h.sessions.Start(context.WithoutCancel(r.Context()), request.UserID, mode)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, models.ErrDeviceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		h.logger.WithError(err).WithField("user_id", request.UserID).Error("Failed to start live session")
		http.Error(w, "Failed to start live session", status)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"session_id": sessionID,
		"mode":       mode,
	})

	h.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    request.UserID,
	}).Debug("Started live session")
}

func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	if !h.sessions.Stop(sessionID) {
		http.Error(w, models.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"session_id": sessionID,
	})
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":  h.sessions.Status(),
		"timestamp": time.Now(),
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Ping(r.Context()); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		http.Error(w, "Health check failed", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"is_leader":     h.isLeaderFunc(),
		"live_sessions": len(h.sessions.Status()),
		"timestamp":     time.Now(),
	})
}

// parseLimit reads the optional limit query parameter, capped at ceiling.
func parseLimit(r *http.Request, def, ceiling int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return min(n, ceiling), true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
