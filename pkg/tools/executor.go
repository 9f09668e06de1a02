// Package tools is the tool-execution collaborator of the dialogue
// orchestrator: mood logging, check-ins, visual analysis, music and memory.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/models"
)

// Tool is a named function the response generator may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Run         func(ctx context.Context, userID string, args json.RawMessage) (string, error)
}

type Executor struct {
	tools  map[string]Tool
	order  []string
	logger *logrus.Logger
}

func NewExecutor(logger *logrus.Logger, tools ...Tool) *Executor {
	e := &Executor{tools: make(map[string]Tool, len(tools)), logger: logger}
	e.Register(tools...)
	return e
}

// Register adds tools after construction, for tools whose backing component
// itself needs the executor. It must be called before the executor is used.
func (e *Executor) Register(tools ...Tool) {
	for _, t := range tools {
		if _, dup := e.tools[t.Name]; !dup {
			e.order = append(e.order, t.Name)
		}
		e.tools[t.Name] = t
	}
}

// Definitions returns the registered tools in registration order.
func (e *Executor) Definitions() []Tool {
	out := make([]Tool, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.tools[name])
	}
	return out
}

func (e *Executor) Execute(ctx context.Context, userID string, call models.ToolCall) (string, error) {
	tool, ok := e.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	start := time.Now()
	out, err := tool.Run(ctx, userID, args)

	log := e.logger.WithFields(logrus.Fields{
		"tool":        call.Name,
		"user_id":     userID,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		log.WithError(err).Warn("Tool execution failed")
		return "", fmt.Errorf("%s: %w", call.Name, err)
	}
	log.Debug("Tool executed")
	return out, nil
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
