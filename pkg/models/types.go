package models

import (
	"encoding/json"
	"time"
)

// RiskLevel is the ordinal output of the risk scorer.
// CRITICAL > WARNING > CAUTION > NORMAL.
type RiskLevel int

const (
	RiskNormal RiskLevel = iota
	RiskCaution
	RiskWarning
	RiskCritical
)

func (l RiskLevel) String() string {
	switch l {
	case RiskCaution:
		return "CAUTION"
	case RiskWarning:
		return "WARNING"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "NORMAL"
	}
}

// AtLeast reports whether l is at or above other in the risk order.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l >= other
}

func (l RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// RiskAssessment is produced fresh for every scored text and never mutated.
type RiskAssessment struct {
	PatternScore    float64   `json:"pattern_score"`
	EscalationScore float64   `json:"escalation_score"`
	PhysicalScore   float64   `json:"physical_score"`
	RelationalScore float64   `json:"relational_score"`
	SentimentRatio  float64   `json:"sentiment_ratio"`
	TotalRisk       float64   `json:"total_risk"`
	Level           RiskLevel `json:"level"`
}

// Role of a conversation message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageKind tags the message variant so routing switches on a known tag.
type MessageKind string

const (
	TextMessage          MessageKind = "text"
	ToolResultMessage    MessageKind = "tool_result"
	VisualContextMessage MessageKind = "visual_context"
)

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Message struct {
	Kind       MessageKind       `json:"kind"`
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func NewUserMessage(content string) Message {
	return Message{Kind: TextMessage, Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string, calls []ToolCall) Message {
	return Message{Kind: TextMessage, Role: RoleAssistant, Content: content, ToolCalls: calls}
}

func NewToolResultMessage(callID, content string) Message {
	return Message{Kind: ToolResultMessage, Role: RoleTool, Content: content, ToolCallID: callID}
}

// NewVisualContextMessage carries a description of what the user's camera shows.
func NewVisualContextMessage(description string) Message {
	return Message{
		Kind:     VisualContextMessage,
		Role:     RoleUser,
		Content:  description,
		Metadata: map[string]string{"visual_context": "true"},
	}
}

// RouteTarget is a dialogue state; DONE is terminal.
type RouteTarget string

const (
	RouteLoadContext RouteTarget = "LOAD_CONTEXT"
	RouteGenerate    RouteTarget = "GENERATE"
	RouteCrisis      RouteTarget = "CRISIS"
	RouteTools       RouteTarget = "TOOLS"
	RouteDone        RouteTarget = "DONE"
)

// ConversationState is owned by exactly one turn execution.
type ConversationState struct {
	UserID         string          `json:"user_id"`
	ThreadID       string          `json:"thread_id"`
	Messages       []Message       `json:"messages"`
	RecallSnippets []string        `json:"recall_snippets,omitempty"`
	PendingRoute   *RouteTarget    `json:"pending_route,omitempty"`
	Assessment     *RiskAssessment `json:"assessment,omitempty"`
}

// LastMessage returns the newest message, or nil for an empty conversation.
func (s *ConversationState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

func (s *ConversationState) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// AgentTurn is the output of a response generator.
type AgentTurn struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// MemorySnippet is a ranked recall result.
type MemorySnippet struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Channel names an escalation destination.
type Channel string

const (
	ChannelInternal Channel = "INTERNAL"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelTelegram Channel = "TELEGRAM"
	ChannelEHR      Channel = "EHR"
)

// ExternalChannels are queried for availability on every crisis entry.
var ExternalChannels = []Channel{ChannelWhatsApp, ChannelTelegram, ChannelEHR}

type EscalationAction struct {
	Channel        Channel `json:"channel"`
	Target         string  `json:"target"`
	Payload        string  `json:"payload"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// DispatchStatus is the per-channel outcome of an escalation.
type DispatchStatus string

const (
	DispatchSent        DispatchStatus = "sent"
	DispatchFailed      DispatchStatus = "failed"
	DispatchDuplicate   DispatchStatus = "duplicate"
	DispatchUnavailable DispatchStatus = "unavailable"
)

type DispatchResult struct {
	Channel        Channel        `json:"channel"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         DispatchStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
}

// Escalation is the single escalation turn produced per crisis entry.
type Escalation struct {
	Level     RiskLevel          `json:"level"`
	Message   string             `json:"message"`
	Actions   []EscalationAction `json:"actions"`
	FollowUps []ToolCall         `json:"follow_ups,omitempty"`
	Results   []DispatchResult   `json:"results"`
}

// SessionMode selects the visual capture source for a live session.
type SessionMode string

const (
	ModeCamera SessionMode = "camera"
	ModeScreen SessionMode = "screen"
	ModeNone   SessionMode = "none"
)

func ParseSessionMode(s string) (SessionMode, bool) {
	switch SessionMode(s) {
	case ModeCamera, ModeScreen, ModeNone:
		return SessionMode(s), true
	case "":
		return ModeCamera, true
	default:
		return "", false
	}
}

// Frame is a captured or received media unit. Never mutated after creation.
type Frame struct {
	MimeType string
	Payload  []byte
	TS       time.Time
}

type SessionStatus struct {
	Running bool        `json:"running"`
	UserID  string      `json:"user_id"`
	Mode    SessionMode `json:"mode"`
}

// MoodLog is the persisted shape of a mood entry.
type MoodLog struct {
	UserID    string    `json:"user_id"`
	Mood      string    `json:"mood"`
	Intensity int       `json:"intensity"`
	Notes     string    `json:"notes"`
	Timestamp time.Time `json:"timestamp"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type SelfieRequest struct {
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}
