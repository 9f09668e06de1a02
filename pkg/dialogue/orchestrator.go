// Package dialogue drives one conversation turn through the
// LOAD_CONTEXT → GENERATE → {CRISIS | TOOLS} → DONE state machine.
package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/constants"
	"safety-aware-orchestrator/pkg/metrics"
	"safety-aware-orchestrator/pkg/models"
)

const (
	toolRequestSelfie        = "request_selfie"
	toolAnalyzeVisualContext = "analyze_visual_context"

	wellnessCheckInText = "I'd like to check in on your well-being."
	visualAnalysisText  = "I'm analyzing the visual information you've shared."
)

// Turn outcomes reported in TurnResult and the turns metric.
const (
	OutcomeReply    = "reply"
	OutcomeCrisis   = "crisis"
	OutcomeWellness = "wellness_check"
	OutcomeToolCap  = "tool_limit"
	OutcomeFailed   = "failed"
)

type Options struct {
	RecallLimit       int
	WellnessChance    float64
	WellnessCooldown  time.Duration
	MaxToolIterations int
}

type Deps struct {
	Recall    Recall
	Generator Generator
	Tools     ToolExecutor
	Threads   ThreadStore
	Cooldown  Cooldown
	Rand      Rand
	Scorer    Scorer
	Escalator Escalator
}

type Orchestrator struct {
	deps    Deps
	opts    Options
	locks   *keyedMutex
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewOrchestrator(deps Deps, opts Options, logger *logrus.Logger, metrics *metrics.Metrics) *Orchestrator {
	if opts.RecallLimit <= 0 {
		opts.RecallLimit = constants.RecallQueryLimit
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = 4
	}
	return &Orchestrator{
		deps:    deps,
		opts:    opts,
		locks:   newKeyedMutex(),
		logger:  logger,
		metrics: metrics,
	}
}

type TurnRequest struct {
	UserID   string
	ThreadID string
	Message  models.Message
}

type TurnResult struct {
	ThreadID   string                 `json:"thread_id"`
	Outcome    string                 `json:"outcome"`
	Reply      string                 `json:"reply"`
	Messages   []models.Message       `json:"messages"`
	Assessment *models.RiskAssessment `json:"assessment,omitempty"`
	Escalation *models.Escalation     `json:"escalation,omitempty"`
}

// turn is the per-execution scratch state. It is never shared.
type turn struct {
	state          models.ConversationState
	history        int
	persist        bool
	stopAfterTools bool
	toolRounds     int
	result         TurnResult
	log            *logrus.Entry
}

// RunTurn appends req.Message to the thread and drives the turn to DONE.
// Turns for the same thread are serialized. A *TurnError is returned when
// generation fails; in that case nothing is persisted.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.ThreadID == "" {
		req.ThreadID = uuid.New().String()
	}

	unlock := o.locks.Lock(req.ThreadID)
	defer unlock()

	start := time.Now()
	t := &turn{
		state:   models.ConversationState{UserID: req.UserID, ThreadID: req.ThreadID},
		persist: true,
		result:  TurnResult{ThreadID: req.ThreadID, Outcome: OutcomeReply},
		log: o.logger.WithFields(logrus.Fields{
			"user_id":   req.UserID,
			"thread_id": req.ThreadID,
		}),
	}

	route := models.RouteLoadContext
	for route != models.RouteDone {
		var err error
		switch route {
		case models.RouteLoadContext:
			route = o.loadContext(ctx, t, req.Message)
		case models.RouteGenerate:
			route, err = o.generate(ctx, t)
		case models.RouteCrisis:
			route = o.crisis(ctx, t)
		case models.RouteTools:
			route = o.tools(ctx, t)
		default:
			err = fmt.Errorf("unknown route %q", route)
		}
		if err != nil {
			o.metrics.TurnsCompleted.WithLabelValues(OutcomeFailed).Inc()
			t.log.WithError(err).WithField("route", route).Error("Dialogue turn aborted")
			return nil, &TurnError{ThreadID: req.ThreadID, Route: route, Err: err}
		}
	}

	if t.persist && o.deps.Threads != nil {
		if err := o.deps.Threads.Save(ctx, req.ThreadID, t.state.Messages); err != nil {
			t.log.WithError(err).Warn("Failed to save thread history")
		}
	}

	t.result.Messages = append([]models.Message(nil), t.state.Messages[t.history:]...)
	t.result.Assessment = t.state.Assessment

	o.metrics.TurnsCompleted.WithLabelValues(t.result.Outcome).Inc()
	o.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	return &t.result, nil
}

func (o *Orchestrator) loadContext(ctx context.Context, t *turn, msg models.Message) models.RouteTarget {
	if o.deps.Threads != nil {
		history, err := o.deps.Threads.Load(ctx, t.state.ThreadID)
		if err != nil {
			// saving would overwrite the unreadable history
			t.persist = false
			t.log.WithError(err).Warn("Thread history unavailable, continuing without it")
		}
		t.state.Messages = history
	}
	t.history = len(t.state.Messages)
	t.state.Append(msg)

	if o.deps.Recall != nil && msg.Content != "" {
		snippets, err := o.deps.Recall.Search(ctx, t.state.UserID, msg.Content, o.opts.RecallLimit)
		if err != nil {
			t.log.WithError(fmt.Errorf("%w: %v", models.ErrRecallUnavailable, err)).Warn("Recall failed, continuing with empty context")
			snippets = nil
		}
		for _, s := range snippets {
			t.state.RecallSnippets = append(t.state.RecallSnippets, s.Content)
		}
	}
	return models.RouteGenerate
}

func (o *Orchestrator) generate(ctx context.Context, t *turn) (models.RouteTarget, error) {
	last := t.state.LastMessage()
	userAuthored := last != nil && last.Role == models.RoleUser

	// every user-authored message is scored, visual context included
	if userAuthored {
		assessment := o.deps.Scorer.Score(last.Content)
		t.state.Assessment = &assessment
		o.metrics.RiskAssessments.WithLabelValues(assessment.Level.String(), string(last.Kind)).Inc()

		if assessment.Level.AtLeast(models.RiskWarning) {
			crisis := models.RouteCrisis
			t.state.PendingRoute = &crisis
		}
	}

	if t.state.PendingRoute != nil && *t.state.PendingRoute == models.RouteCrisis {
		return models.RouteCrisis, nil
	}

	if userAuthored && o.shouldCheckIn(ctx, t) {
		o.metrics.WellnessChecks.Inc()
		t.stopAfterTools = true
		t.result.Outcome = OutcomeWellness
		o.emitToolCall(t, wellnessCheckInText, toolRequestSelfie, map[string]string{"reason": "wellness monitoring"})
		return models.RouteTools, nil
	}

	if userAuthored && last.Kind == models.VisualContextMessage {
		o.emitToolCall(t, visualAnalysisText, toolAnalyzeVisualContext, map[string]string{"image_description": last.Content})
		return models.RouteTools, nil
	}

	out, err := o.deps.Generator.Generate(ctx, &t.state)
	if err != nil {
		return models.RouteGenerate, fmt.Errorf("%w: %v", models.ErrGenerationFailure, err)
	}

	t.state.Append(models.NewAssistantMessage(out.Content, out.ToolCalls))
	if out.Content != "" {
		t.result.Reply = out.Content
	}
	if len(out.ToolCalls) > 0 {
		return models.RouteTools, nil
	}
	return models.RouteDone, nil
}

func (o *Orchestrator) emitToolCall(t *turn, text, name string, args map[string]string) {
	raw, _ := json.Marshal(args)
	call := models.ToolCall{
		ID:        name + "_" + uuid.New().String()[:8],
		Name:      name,
		Arguments: raw,
	}
	t.state.Append(models.NewAssistantMessage(text, []models.ToolCall{call}))
	t.result.Reply = text
}

// shouldCheckIn fires on mood vocabulary in the recent messages or a random
// draw, and only when the per-user cooldown can be acquired.
func (o *Orchestrator) shouldCheckIn(ctx context.Context, t *turn) bool {
	if t.state.UserID == "" || o.deps.Cooldown == nil {
		return false
	}

	msgs := t.state.Messages
	if len(msgs) > constants.WellnessLookbackMessages {
		msgs = msgs[len(msgs)-constants.WellnessLookbackMessages:]
	}
	triggered := false
	for _, m := range msgs {
		if m.Role == models.RoleUser && o.deps.Scorer.HasMoodVocabulary(m.Content) {
			triggered = true
			break
		}
	}
	if !triggered && o.deps.Rand != nil && o.opts.WellnessChance > 0 {
		triggered = o.deps.Rand.Float64() < o.opts.WellnessChance
	}
	if !triggered {
		return false
	}

	acquired, err := o.deps.Cooldown.TryAcquire(ctx, t.state.UserID, o.opts.WellnessCooldown)
	if err != nil {
		t.log.WithError(err).Warn("Wellness cooldown unavailable, skipping check-in")
		return false
	}
	return acquired
}

func (o *Orchestrator) crisis(ctx context.Context, t *turn) models.RouteTarget {
	trigger := ""
	if last := t.state.LastMessage(); last != nil {
		trigger = last.Content
	}

	esc := o.deps.Escalator.Handle(ctx, t.state.UserID, trigger, t.state.Assessment)

	msg := models.NewAssistantMessage(esc.Message, nil)
	msg.Metadata = map[string]string{"escalation_level": esc.Level.String()}
	t.state.Append(msg)

	t.result.Outcome = OutcomeCrisis
	t.result.Reply = esc.Message
	t.result.Escalation = &esc
	t.state.PendingRoute = nil
	return models.RouteDone
}

func (o *Orchestrator) tools(ctx context.Context, t *turn) models.RouteTarget {
	last := t.state.LastMessage()
	if last == nil || len(last.ToolCalls) == 0 {
		return models.RouteDone
	}

	calls := last.ToolCalls
	for _, call := range calls {
		out, err := o.deps.Tools.Execute(ctx, t.state.UserID, call)
		if err != nil {
			out = "Error: " + err.Error()
		}
		t.state.Append(models.NewToolResultMessage(call.ID, out))
	}
	t.toolRounds++

	if t.stopAfterTools {
		return models.RouteDone
	}
	if t.toolRounds >= o.opts.MaxToolIterations {
		t.log.WithField("rounds", t.toolRounds).Warn("Tool iteration limit reached")
		t.state.Append(models.NewAssistantMessage(constants.FallbackReply, nil))
		t.result.Reply = constants.FallbackReply
		t.result.Outcome = OutcomeToolCap
		return models.RouteDone
	}
	return models.RouteGenerate
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
