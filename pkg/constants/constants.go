package constants

import "time"

// Live media pipeline sizing
const (
	// OutboundQueueCapacity bounds frames waiting to be sent to the remote endpoint.
	// Producers drop the newest frame when it is full.
	OutboundQueueCapacity = 5

	// SendSampleRate - microphone capture rate in Hz (16-bit mono PCM), announced on every audio chunk
	SendSampleRate = 16000

	// ReceiveSampleRate - playback rate of model audio in Hz; other rates are rejected
	ReceiveSampleRate = 24000

	// AudioChunkSamples - samples per microphone read
	AudioChunkSamples = 1024

	// AudioChunkBytes - bytes per microphone read at 16-bit mono
	AudioChunkBytes = AudioChunkSamples * 2

	// MaxImageDimension - captured images are scaled to fit this square
	MaxImageDimension = 1024

	// VideoCaptureInterval - camera/screen grab cadence (~1 Hz)
	VideoCaptureInterval = 1 * time.Second
)

// Live session protocol
const (
	AudioMimeType = "audio/pcm"
	ImageMimeType = "image/jpeg"

	// SafetyMarker is emitted by the live model when it sees weapons, blood or
	// self-harm in the video input.
	SafetyMarker = "CRITICAL_VISUAL_ALERT"

	MediaResolution          = "MEDIA_RESOLUTION_MEDIUM"
	CompressionTriggerTokens = 25600
	CompressionTargetTokens  = 12800
	LiveSemanticSnippetLimit = 5
	LiveEpisodicSnippetLimit = 3
	ResponseModality         = "AUDIO"
)

// Dialogue defaults
const (
	// RecallQueryLimit - snippets loaded into the turn context
	RecallQueryLimit = 5

	// WellnessLookbackMessages - recent messages scanned for mood vocabulary
	WellnessLookbackMessages = 5

	FallbackReply = "I'm sorry, I couldn't process that message. If you are in danger, please call 988 or your local emergency number."
)

// Redis key prefixes and names
const (
	ThreadKeyPrefix       = "thread:"
	MemoryKeyPrefix       = "memories:"
	WellnessCooldownKey   = "wellness:cooldown:"
	EscalationLedgerKey   = "escalation:ledger:"
	MoodLogStream         = "records:mood_logs"
	NotificationStream    = "records:notifications"
	SelfieRequestStream   = "records:selfie_requests"
	VisualAnalysisStream  = "records:visual_analyses"
	MusicSessionStream    = "records:music_sessions"
	InternalAlertStream   = "safety:internal_alerts"
	RelayLeaderKey        = "safety:relay:leader"
	UserNotificationsKey  = "notifications:user:"
	MaxNotificationsKept  = 100
	UserMoodLogsKey       = "mood:user:"
	MaxMoodLogsKept       = 500
	MaxThreadMessagesKept = 200
)
