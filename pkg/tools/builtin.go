package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/models"
	"safety-aware-orchestrator/pkg/store"
)

const (
	LogMood              = "log_mood"
	RequestSelfie        = "request_selfie"
	AnalyzeVisualContext = "analyze_visual_context"
	RecommendMusic       = "recommend_music"
	SaveMemory           = "save_memory"
	SearchMemory         = "search_memory"

	defaultSelfieReason  = "routine check-in"
	defaultMusicMinutes  = 10
	defaultSearchResults = 5
)

// RecordSink persists the records written by tools.
type RecordSink interface {
	AddMoodLog(ctx context.Context, entry models.MoodLog) error
	AddSelfieRequest(ctx context.Context, req models.SelfieRequest) error
	AddVisualAnalysis(ctx context.Context, userID, description, result string) error
	AddMusicSession(ctx context.Context, userID, mood, recommendation string, minutes int) error
}

type MemoryBank interface {
	Add(ctx context.Context, userID string, kind store.MemoryKind, content string) error
	Search(ctx context.Context, userID, query string, limit int) ([]models.MemorySnippet, error)
}

// Rand picks music recommendations; tests inject a fixed source.
type Rand interface {
	Intn(n int) int
}

type logMoodArgs struct {
	Mood      string `json:"mood" jsonschema:"required,enum=Happy,enum=Sad,enum=Anxious,enum=Angry,enum=Neutral,description=The user's current mood"`
	Intensity int    `json:"intensity" jsonschema:"required,minimum=1,maximum=10,description=Mood intensity on a 1-10 scale"`
	Notes     string `json:"notes,omitempty" jsonschema:"description=Optional context"`
}

type selfieArgs struct {
	Reason string `json:"reason,omitempty" jsonschema:"description=Why the check-in is requested (routine check-in / wellness monitoring / crisis assessment)"`
}

type visualArgs struct {
	ImageDescription string `json:"image_description" jsonschema:"required,description=Description of what is visible in the user's camera feed"`
}

type musicArgs struct {
	Mood            string `json:"mood" jsonschema:"required,description=The user's current mood"`
	DurationMinutes int    `json:"duration_minutes,omitempty" jsonschema:"minimum=1,maximum=120"`
}

type saveMemoryArgs struct {
	Kind    string `json:"kind" jsonschema:"required,enum=semantic,enum=episodic,enum=procedural,enum=associative,enum=general"`
	Content string `json:"content" jsonschema:"required,description=A fact or experience or instruction to remember"`
}

type searchMemoryArgs struct {
	Query string `json:"query" jsonschema:"required"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=20"`
}

// Builtin returns the standard tool set. Visual analysis and music sessions
// are logged best-effort; mood and selfie records are not.
func Builtin(records RecordSink, memories MemoryBank, rng Rand, logger *logrus.Logger) []Tool {
	return []Tool{
		{
			Name:        LogMood,
			Description: "Logs the user's current mood. Use when the user explicitly states how they feel.",
			Parameters:  GenerateSchema[logMoodArgs](),
			Run: func(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
				var args logMoodArgs
				if err := decodeArgs(raw, &args); err != nil {
					return "", err
				}
				if args.Intensity < 1 || args.Intensity > 10 {
					return "", fmt.Errorf("intensity must be between 1 and 10")
				}
				if err := records.AddMoodLog(ctx, models.MoodLog{
					UserID:    userID,
					Mood:      args.Mood,
					Intensity: args.Intensity,
					Notes:     args.Notes,
				}); err != nil {
					return "", err
				}
				return fmt.Sprintf("Logged mood: %s (%d/10)", args.Mood, args.Intensity), nil
			},
		},
		{
			Name:        RequestSelfie,
			Description: "Asks the user for a selfie to assess their mood.",
			Parameters:  GenerateSchema[selfieArgs](),
			Run: func(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
				var args selfieArgs
				if err := decodeArgs(raw, &args); err != nil {
					return "", err
				}
				if args.Reason == "" {
					args.Reason = defaultSelfieReason
				}
				if err := records.AddSelfieRequest(ctx, models.SelfieRequest{UserID: userID, Reason: args.Reason}); err != nil {
					return "", err
				}
				return "I'd like to check in on your well-being. Could you please take a quick selfie? " +
					"This will help me assess your mood and provide better support. Reason: " + args.Reason, nil
			},
		},
		{
			Name:        AnalyzeVisualContext,
			Description: "Analyzes a description of the user's environment or appearance for wellbeing indicators.",
			Parameters:  GenerateSchema[visualArgs](),
			Run: func(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
				var args visualArgs
				if err := decodeArgs(raw, &args); err != nil {
					return "", err
				}
				result := AnalyzeVisual(args.ImageDescription)
				if err := records.AddVisualAnalysis(ctx, userID, args.ImageDescription, result); err != nil {
					logger.WithError(err).WithField("user_id", userID).Warn("Failed to record visual analysis")
				}
				return result, nil
			},
		},
		{
			Name:        RecommendMusic,
			Description: "Recommends music for the user's mood and logs a music therapy session.",
			Parameters:  GenerateSchema[musicArgs](),
			Run: func(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
				var args musicArgs
				if err := decodeArgs(raw, &args); err != nil {
					return "", err
				}
				if args.DurationMinutes <= 0 {
					args.DurationMinutes = defaultMusicMinutes
				}
				mood, pick := RecommendFor(args.Mood, rng)
				if err := records.AddMusicSession(ctx, userID, mood, pick, args.DurationMinutes); err != nil {
					logger.WithError(err).WithField("user_id", userID).Warn("Failed to record music session")
				}
				return fmt.Sprintf("Music Therapy Recommendation: %s. Duration: %d minutes. Therapeutic target: %s.",
					pick, args.DurationMinutes, mood), nil
			},
		},
		{
			Name:        SaveMemory,
			Description: "Stores a memory about the user for later recall.",
			Parameters:  GenerateSchema[saveMemoryArgs](),
			Run: func(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
				var args saveMemoryArgs
				if err := decodeArgs(raw, &args); err != nil {
					return "", err
				}
				kind, ok := store.ParseMemoryKind(args.Kind)
				if !ok {
					return "", fmt.Errorf("unknown memory kind %q", args.Kind)
				}
				if err := memories.Add(ctx, userID, kind, args.Content); err != nil {
					return "", err
				}
				return fmt.Sprintf("Saved %s memory.", kind), nil
			},
		},
		{
			Name:        SearchMemory,
			Description: "Searches stored memories about the user.",
			Parameters:  GenerateSchema[searchMemoryArgs](),
			Run: func(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
				var args searchMemoryArgs
				if err := decodeArgs(raw, &args); err != nil {
					return "", err
				}
				if args.Limit <= 0 {
					args.Limit = defaultSearchResults
				}
				found, err := memories.Search(ctx, userID, args.Query, args.Limit)
				if err != nil {
					return "", err
				}
				if len(found) == 0 {
					return "No matching memories.", nil
				}
				lines := make([]string, 0, len(found))
				for _, m := range found {
					lines = append(lines, "- "+m.Content)
				}
				return strings.Join(lines, "\n"), nil
			},
		},
	}
}
