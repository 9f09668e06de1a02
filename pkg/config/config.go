package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	RedisURL    string
	PodID       string
	Port        string
	LogLevel    string
	MetricsPort string

	// Risk scoring thresholds, compared against the weighted total.
	RiskCriticalThreshold float64
	RiskWarningThreshold  float64
	RiskCautionThreshold  float64

	WellnessCooldownHours int
	WellnessRandomChance  float64
	RecallLimit           int
	MaxToolIterations     int
	ThreadHistoryTTLHours int

	EscalationWindowSeconds int
	AlertConsumerGroup      string
	AlertRelayEnabled       bool
	RelayLeaderTTLSeconds   int

	WhatsAppAPIURL        string
	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	TelegramBotToken      string
	EHRAPIURL             string
	EHRAPIKey             string

	EmergencyContact      string
	EmergencyWhatsAppTo   string
	EmergencyTelegramChat string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	LiveEndpointURL        string
	LiveAPIKey             string
	LiveModel              string
	LiveVoice              string
	LiveConnectTimeoutMS   int64
	LiveMicrophonePath     string
	LiveSpeakerPath        string
	LiveCameraSnapshotPath string
	LiveScreenSnapshotPath string
}

func Load() *Config {
	config := &Config{
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		PodID:       getEnv("POD_ID", generatePodID()),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),

		RiskCriticalThreshold: getEnvFloat("RISK_CRITICAL_THRESHOLD", 8),
		RiskWarningThreshold:  getEnvFloat("RISK_WARNING_THRESHOLD", 4),
		RiskCautionThreshold:  getEnvFloat("RISK_CAUTION_THRESHOLD", 2),

		WellnessCooldownHours: getEnvInt("WELLNESS_COOLDOWN_HOURS", 24),
		WellnessRandomChance:  getEnvFloat("WELLNESS_RANDOM_CHANCE", 0.1),
		RecallLimit:           getEnvInt("RECALL_LIMIT", 5),
		MaxToolIterations:     getEnvInt("MAX_TOOL_ITERATIONS", 4),
		ThreadHistoryTTLHours: getEnvInt("THREAD_HISTORY_TTL_HOURS", 720),

		EscalationWindowSeconds: getEnvInt("ESCALATION_WINDOW_SECONDS", 600),
		AlertConsumerGroup:      getEnv("ALERT_CONSUMER_GROUP", "safety-alert-relays"),
		AlertRelayEnabled:       getEnvBool("ALERT_RELAY_ENABLED", true),
		RelayLeaderTTLSeconds:   getEnvInt("RELAY_LEADER_TTL_SECONDS", 15),

		WhatsAppAPIURL:        getEnv("WHATSAPP_API_URL", "https://graph.facebook.com/v18.0"),
		WhatsAppAccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		TelegramBotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		EHRAPIURL:             getEnv("EHR_API_URL", ""),
		EHRAPIKey:             getEnv("EHR_API_KEY", ""),

		EmergencyContact:      getEnv("EMERGENCY_CONTACT", "emergency_contacts"),
		EmergencyWhatsAppTo:   getEnv("EMERGENCY_WHATSAPP_TO", ""),
		EmergencyTelegramChat: getEnv("EMERGENCY_TELEGRAM_CHAT", ""),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		LiveEndpointURL:        getEnv("LIVE_ENDPOINT_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
		LiveAPIKey:             getEnv("GEMINI_API_KEY", ""),
		LiveModel:              getEnv("LIVE_MODEL", "models/gemini-2.0-flash-live-001"),
		LiveVoice:              getEnv("LIVE_VOICE", "Zephyr"),
		LiveConnectTimeoutMS:   getEnvInt64("LIVE_CONNECT_TIMEOUT_MS", 10000),
		LiveMicrophonePath:     getEnv("LIVE_MICROPHONE_PATH", ""),
		LiveSpeakerPath:        getEnv("LIVE_SPEAKER_PATH", ""),
		LiveCameraSnapshotPath: getEnv("LIVE_CAMERA_SNAPSHOT_PATH", ""),
		LiveScreenSnapshotPath: getEnv("LIVE_SCREEN_SNAPSHOT_PATH", ""),
	}

	return config
}

func (c *Config) WellnessCooldown() time.Duration {
	return time.Duration(c.WellnessCooldownHours) * time.Hour
}

func (c *Config) ThreadHistoryTTL() time.Duration {
	return time.Duration(c.ThreadHistoryTTLHours) * time.Hour
}

func (c *Config) EscalationWindow() time.Duration {
	return time.Duration(c.EscalationWindowSeconds) * time.Second
}

func (c *Config) RelayLeaderTTL() time.Duration {
	return time.Duration(c.RelayLeaderTTLSeconds) * time.Second
}

func (c *Config) LiveConnectTimeout() time.Duration {
	return time.Duration(c.LiveConnectTimeoutMS) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
