// Package llm adapts the OpenAI Responses API to the dialogue generator
// contract, exposing the built-in tools as function tools.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/models"
	"safety-aware-orchestrator/pkg/prompts"
	"safety-aware-orchestrator/pkg/tools"
)

// ResponsesAPI is the subset of the OpenAI client used here. *responses.ResponseService
// satisfies it.
type ResponsesAPI interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
}

type Config struct {
	Model           string
	MaxOutputTokens int64
	MaxAttempts     int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Model:           openai.ChatModelGPT4oMini,
		MaxOutputTokens: 1024,
		MaxAttempts:     3,
		RetryBackoff:    2 * time.Second,
	}
}

type Generator struct {
	api    ResponsesAPI
	tools  []responses.ToolUnionParam
	cfg    Config
	logger *logrus.Logger
}

// NewClient builds an OpenAI client. baseURL may be empty.
func NewClient(apiKey, baseURL string) openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return openai.NewClient(opts...)
}

func NewGenerator(api ResponsesAPI, defs []tools.Tool, cfg Config, logger *logrus.Logger) *Generator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	params := make([]responses.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		tool := responses.ToolParamOfFunction(d.Name, d.Parameters, false)
		tool.OfFunction.Description = openai.String(d.Description)
		params = append(params, tool)
	}
	return &Generator{api: api, tools: params, cfg: cfg, logger: logger}
}

// Generate sends the conversation with recall snippets folded into the
// instructions and returns the model's text and function calls.
func (g *Generator) Generate(ctx context.Context, state *models.ConversationState) (models.AgentTurn, error) {
	params := responses.ResponseNewParams{
		Model:        g.cfg.Model,
		Instructions: openai.String(prompts.WithRecall(prompts.System, state.RecallSnippets)),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: inputItems(state.Messages),
		},
		Tools: g.tools,
	}
	if g.cfg.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(g.cfg.MaxOutputTokens)
	}

	start := time.Now()
	resp, err := g.callWithRetry(ctx, params)
	if err != nil {
		return models.AgentTurn{}, err
	}

	turn := models.AgentTurn{Content: strings.TrimSpace(resp.OutputText())}
	for _, item := range resp.Output {
		if item.Type != "function_call" {
			continue
		}
		args := item.Arguments
		if args == "" {
			args = "{}"
		}
		turn.ToolCalls = append(turn.ToolCalls, models.ToolCall{
			ID:        item.CallID,
			Name:      item.Name,
			Arguments: json.RawMessage(args),
		})
	}

	g.logger.WithFields(logrus.Fields{
		"thread_id":   state.ThreadID,
		"tool_calls":  len(turn.ToolCalls),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Generated assistant turn")
	return turn, nil
}

func inputItems(msgs []models.Message) []responses.ResponseInputItemUnionParam {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Kind == models.ToolResultMessage:
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Content))
		case m.Kind == models.VisualContextMessage:
			items = append(items, responses.ResponseInputItemParamOfMessage(
				"[Visual context] "+m.Content, responses.EasyInputMessageRoleUser))
		case m.Role == models.RoleAssistant:
			if m.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, call := range m.ToolCalls {
				args := string(call.Arguments)
				if args == "" {
					args = "{}"
				}
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(args, call.ID, call.Name))
			}
		default:
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleUser))
		}
	}
	return items
}

func (g *Generator) callWithRetry(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		resp, err := g.api.New(ctx, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || attempt == g.cfg.MaxAttempts {
			break
		}

		wait := g.cfg.RetryBackoff * time.Duration(attempt)
		g.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
		}).Warn("Generation request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("responses request: %w", lastErr)
}

// retryable reports rate limiting and server-side failures.
func retryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "server_error")
}
