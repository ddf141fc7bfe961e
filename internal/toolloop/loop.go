package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"starling/internal/domain"
	"starling/internal/tools"
)

var (
	ErrCancelled   = errors.New("execution cancelled")
	ErrModelFailed = errors.New("model invocation failed")
)

// ModelInvoker produces the next model turn for a conversation.
type ModelInvoker interface {
	Invoke(ctx context.Context, messages []domain.ModelMessage, specs []domain.ToolSpec) (domain.ModelResponse, error)
}

// Tracker is the slice of the execution tracker the loop needs.
type Tracker interface {
	UpdateTask(ctx context.Context, id string, toolsCount, tokensUsed *int) bool
	Thinking(executionID, activeForm string)
	Cancelled(id string) bool
}

type Config struct {
	MaxIterations int
	ModelRetries  int
	RetryBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.ModelRetries <= 0 {
		c.ModelRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	return c
}

// Loop drives one execution through repeated model turns and tool
// batches until the model answers in plain text, the iteration cap is
// hit, or the execution is cancelled.
type Loop struct {
	model    ModelInvoker
	registry *tools.Registry
	tracker  Tracker
	cfg      Config
	logger   *log.Logger
}

func New(model ModelInvoker, registry *tools.Registry, tracker Tracker, cfg Config, logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		model:    model,
		registry: registry,
		tracker:  tracker,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

type Request struct {
	ExecutionID string
	NodeID      string
	History     []domain.ModelMessage
	Config      domain.ToolConfig
	ToolContext *tools.Context
}

type Outcome struct {
	FinalText  string
	History    []domain.ModelMessage
	ToolsUsed  int
	TokensUsed int
	ForcedStop bool
}

// Run executes the loop. On ErrModelFailed and ErrCancelled the returned
// outcome still carries the partial history and the best available text.
func (l *Loop) Run(ctx context.Context, req Request) (Outcome, error) {
	history := append([]domain.ModelMessage(nil), req.History...)
	specs := l.registry.Specs(req.Config)

	out := Outcome{}
	lastText := ""

	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		if l.tracker.Cancelled(req.NodeID) {
			out.History = history
			out.FinalText = l.partialAnswer(lastText, out.ToolsUsed)
			return out, ErrCancelled
		}

		l.tracker.Thinking(req.ExecutionID, "thinking")
		resp, err := l.invokeModel(ctx, history, specs)
		if err != nil {
			out.History = history
			out.FinalText = l.partialAnswer(lastText, out.ToolsUsed)
			return out, fmt.Errorf("%w: %v", ErrModelFailed, err)
		}
		out.TokensUsed += resp.TokensUsed
		l.tracker.UpdateTask(ctx, req.NodeID, nil, &out.TokensUsed)

		history = append(history, domain.ModelMessage{
			Role:      domain.MessageRoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Text != "" {
			lastText = resp.Text
		}

		if len(resp.ToolCalls) == 0 {
			out.History = history
			out.FinalText = resp.Text
			return out, nil
		}

		for _, call := range resp.ToolCalls {
			result := l.runTool(ctx, call, req)
			out.ToolsUsed++
			history = append(history, domain.ModelMessage{
				Role:       domain.MessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
		l.tracker.UpdateTask(ctx, req.NodeID, &out.ToolsUsed, &out.TokensUsed)
	}

	out.History = history
	out.ForcedStop = true
	out.FinalText = l.partialAnswer(lastText, out.ToolsUsed)
	return out, nil
}

// runTool resolves and invokes one call. Rejections and failures come
// back as text for the model, never as an aborting error.
func (l *Loop) runTool(ctx context.Context, call domain.ToolCall, req Request) string {
	if !req.Config.Allows(call.Name) {
		l.logger.Printf("toolloop: denied tool %q for node %s", call.Name, req.NodeID)
		return fmt.Sprintf("permission denied: tool %q is not in the allowed tool set", call.Name)
	}
	tool, ok := l.registry.Get(call.Name)
	if !ok {
		return fmt.Sprintf("unknown tool %q", call.Name)
	}

	l.tracker.Thinking(req.ExecutionID, "running "+call.Name)
	args := call.Args
	if req.ToolContext != nil && req.ToolContext.Registers != nil {
		args = expandArgs(args, req.ToolContext)
	}
	result, err := tool.Invoke(ctx, args, req.ToolContext)
	if err != nil {
		l.logger.Printf("toolloop: tool %q failed: %v", call.Name, err)
		return err.Error()
	}
	return result
}

func (l *Loop) invokeModel(ctx context.Context, history []domain.ModelMessage, specs []domain.ToolSpec) (domain.ModelResponse, error) {
	backoff := l.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt < l.cfg.ModelRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.ModelResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		resp, err := l.model.Invoke(ctx, history, specs)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		l.logger.Printf("toolloop: model attempt %d failed: %v", attempt+1, err)
	}
	return domain.ModelResponse{}, lastErr
}

// partialAnswer never returns an empty string.
func (l *Loop) partialAnswer(lastText string, toolsUsed int) string {
	if lastText != "" {
		return lastText
	}
	if toolsUsed > 0 {
		return fmt.Sprintf("I ran %d tool invocation(s) but could not produce a final answer.", toolsUsed)
	}
	return "I could not produce an answer for this request."
}

// expandArgs substitutes register templates inside every string value of
// the argument object, leaving structure and non-string values intact.
func expandArgs(args json.RawMessage, tc *tools.Context) json.RawMessage {
	if len(args) == 0 {
		return args
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return args
	}
	expanded := expandValue(decoded, tc)
	encoded, err := json.Marshal(expanded)
	if err != nil {
		return args
	}
	return encoded
}

func expandValue(v any, tc *tools.Context) any {
	switch val := v.(type) {
	case string:
		return tc.Registers.ExpandTemplates(val)
	case map[string]any:
		for k, item := range val {
			val[k] = expandValue(item, tc)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = expandValue(item, tc)
		}
		return val
	default:
		return v
	}
}
