package dialogue

import (
	"context"
	"fmt"
	"time"

	"safety-aware-orchestrator/pkg/models"
)

type Recall interface {
	Search(ctx context.Context, userID, query string, limit int) ([]models.MemorySnippet, error)
}

// Generator produces the assistant turn from the conversation and its recall
// snippets.
type Generator interface {
	Generate(ctx context.Context, state *models.ConversationState) (models.AgentTurn, error)
}

type ToolExecutor interface {
	Execute(ctx context.Context, userID string, call models.ToolCall) (string, error)
}

type ThreadStore interface {
	Load(ctx context.Context, threadID string) ([]models.Message, error)
	Save(ctx context.Context, threadID string, msgs []models.Message) error
}

// Cooldown grants the wellness check-in to one caller per interval.
type Cooldown interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Rand interface {
	Float64() float64
}

type Scorer interface {
	Score(text string) models.RiskAssessment
	HasMoodVocabulary(text string) bool
}

type Escalator interface {
	Handle(ctx context.Context, userID, trigger string, assessment *models.RiskAssessment) models.Escalation
}

// TurnError reports a turn aborted before DONE. Nothing from the turn was
// persisted.
type TurnError struct {
	ThreadID string
	Route    models.RouteTarget
	Err      error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn for thread %s aborted in %s: %v", e.ThreadID, e.Route, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}
