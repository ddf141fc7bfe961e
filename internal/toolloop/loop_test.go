package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"starling/internal/domain"
	"starling/internal/register"
	"starling/internal/tools"
)

type scriptedModel struct {
	responses []domain.ModelResponse
	errs      []error
	calls     int
	histories [][]domain.ModelMessage
}

func (m *scriptedModel) Invoke(ctx context.Context, messages []domain.ModelMessage, specs []domain.ToolSpec) (domain.ModelResponse, error) {
	snapshot := append([]domain.ModelMessage(nil), messages...)
	m.histories = append(m.histories, snapshot)
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return domain.ModelResponse{}, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return domain.ModelResponse{Text: "fallback"}, nil
}

type fakeTracker struct {
	cancelled map[string]bool
	updates   int
}

func (f *fakeTracker) UpdateTask(ctx context.Context, id string, toolsCount, tokensUsed *int) bool {
	f.updates++
	return true
}
func (f *fakeTracker) Thinking(executionID, activeForm string) {}
func (f *fakeTracker) Cancelled(id string) bool                { return f.cancelled[id] }

type echoTool struct {
	name string
	err  error
	seen []string
}

func (t *echoTool) Name() string             { return t.name }
func (t *echoTool) Description() string      { return "echoes args" }
func (t *echoTool) Schema() json.RawMessage  { return nil }
func (t *echoTool) Invoke(ctx context.Context, args json.RawMessage, tc *tools.Context) (string, error) {
	t.seen = append(t.seen, string(args))
	if t.err != nil {
		return "", t.err
	}
	return "echo:" + string(args), nil
}

func newTestLoop(t *testing.T, model ModelInvoker, toolList ...tools.Tool) (*Loop, *fakeTracker) {
	t.Helper()
	registry := tools.NewRegistry()
	for _, tool := range toolList {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	tr := &fakeTracker{cancelled: map[string]bool{}}
	loop := New(model, registry, tr, Config{RetryBackoff: time.Millisecond}, nil)
	return loop, tr
}

func baseRequest() Request {
	return Request{
		ExecutionID: "e1",
		NodeID:      "e1",
		History:     []domain.ModelMessage{{Role: domain.MessageRoleUser, Content: "hi"}},
		Config:      domain.ToolConfig{Unrestricted: true},
		ToolContext: &tools.Context{Registers: register.New(nil)},
	}
}

func TestRunFinalAnswer(t *testing.T) {
	model := &scriptedModel{responses: []domain.ModelResponse{{Text: "hello", TokensUsed: 5}}}
	loop, _ := newTestLoop(t, model)
	out, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.FinalText != "hello" || out.TokensUsed != 5 || out.ToolsUsed != 0 {
		t.Fatalf("got %+v", out)
	}
	if len(out.History) != 2 {
		t.Fatalf("history %d entries", len(out.History))
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	tool := &echoTool{name: "lookup"}
	model := &scriptedModel{responses: []domain.ModelResponse{
		{ToolCalls: []domain.ToolCall{{ID: "c1", Name: "lookup", Args: json.RawMessage(`{"q":"x"}`)}}},
		{Text: "done"},
	}}
	loop, _ := newTestLoop(t, model, tool)
	out, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.FinalText != "done" || out.ToolsUsed != 1 {
		t.Fatalf("got %+v", out)
	}
	last := model.histories[1]
	found := false
	for _, msg := range last {
		if msg.Role == domain.MessageRoleTool && msg.ToolCallID == "c1" && strings.HasPrefix(msg.Content, "echo:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("tool result missing from second model call: %+v", last)
	}
}

func TestRunPermissionDenied(t *testing.T) {
	tool := &echoTool{name: "deploy"}
	model := &scriptedModel{responses: []domain.ModelResponse{
		{ToolCalls: []domain.ToolCall{{ID: "c1", Name: "deploy", Args: json.RawMessage(`{}`)}}},
		{Text: "adapted"},
	}}
	loop, _ := newTestLoop(t, model, tool)
	req := baseRequest()
	req.Config = domain.ToolConfig{SafeMode: true, AllowList: []string{"web_search"}}

	out, err := loop.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tool.seen) != 0 {
		t.Fatalf("denied tool must never be invoked")
	}
	want := `permission denied: tool "deploy" is not in the allowed tool set`
	got := out.History[2]
	if got.Role != domain.MessageRoleTool || got.Content != want {
		t.Fatalf("got %+v", got)
	}
	if out.FinalText != "adapted" {
		t.Fatalf("got %q", out.FinalText)
	}
}

func TestRunToolErrorRelayedVerbatim(t *testing.T) {
	tool := &echoTool{name: "lookup", err: errors.New("connection refused to db-7")}
	model := &scriptedModel{responses: []domain.ModelResponse{
		{ToolCalls: []domain.ToolCall{{ID: "c1", Name: "lookup", Args: json.RawMessage(`{}`)}}},
		{Text: "recovered"},
	}}
	loop, _ := newTestLoop(t, model, tool)
	out, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.History[2].Content != "connection refused to db-7" {
		t.Fatalf("got %q", out.History[2].Content)
	}
	if out.FinalText != "recovered" {
		t.Fatalf("got %q", out.FinalText)
	}
}

func TestRunIterationCapForcedStop(t *testing.T) {
	tool := &echoTool{name: "lookup"}
	responses := make([]domain.ModelResponse, 0, 12)
	for i := 0; i < 12; i++ {
		responses = append(responses, domain.ModelResponse{
			Text:      "working on it",
			ToolCalls: []domain.ToolCall{{ID: "c", Name: "lookup", Args: json.RawMessage(`{}`)}},
		})
	}
	model := &scriptedModel{responses: responses}
	loop, _ := newTestLoop(t, model, tool)
	out, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.ForcedStop {
		t.Fatalf("expected forced stop")
	}
	if model.calls != 10 {
		t.Fatalf("expected 10 model calls, got %d", model.calls)
	}
	if out.FinalText != "working on it" {
		t.Fatalf("forced stop must carry best partial answer, got %q", out.FinalText)
	}
}

func TestRunForcedStopNeverEmpty(t *testing.T) {
	tool := &echoTool{name: "lookup"}
	responses := make([]domain.ModelResponse, 0, 12)
	for i := 0; i < 12; i++ {
		responses = append(responses, domain.ModelResponse{
			ToolCalls: []domain.ToolCall{{ID: "c", Name: "lookup", Args: json.RawMessage(`{}`)}},
		})
	}
	model := &scriptedModel{responses: responses}
	loop, _ := newTestLoop(t, model, tool)
	out, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.ForcedStop || out.FinalText == "" {
		t.Fatalf("got %+v", out)
	}
}

func TestRunModelRetriesThenFails(t *testing.T) {
	boom := errors.New("upstream 503")
	model := &scriptedModel{errs: []error{boom, boom, boom}}
	loop, _ := newTestLoop(t, model)
	out, err := loop.Run(context.Background(), baseRequest())
	if !errors.Is(err, ErrModelFailed) {
		t.Fatalf("got err %v", err)
	}
	if model.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", model.calls)
	}
	if out.FinalText == "" {
		t.Fatalf("degraded outcome must carry text")
	}
}

func TestRunModelRetrySucceeds(t *testing.T) {
	boom := errors.New("upstream 503")
	model := &scriptedModel{
		errs:      []error{boom, nil},
		responses: []domain.ModelResponse{{}, {Text: "second try"}},
	}
	loop, _ := newTestLoop(t, model)
	out, err := loop.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.FinalText != "second try" {
		t.Fatalf("got %q", out.FinalText)
	}
}

func TestRunCancelledBeforeModelCall(t *testing.T) {
	model := &scriptedModel{responses: []domain.ModelResponse{{Text: "never"}}}
	loop, tr := newTestLoop(t, model)
	tr.cancelled["e1"] = true
	out, err := loop.Run(context.Background(), baseRequest())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got err %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("model must not be called after cancellation")
	}
	if out.FinalText == "" {
		t.Fatalf("cancelled outcome must carry text")
	}
}

func TestRunExpandsRegisterTemplatesInArgs(t *testing.T) {
	tool := &echoTool{name: "fetch"}
	model := &scriptedModel{responses: []domain.ModelResponse{
		{ToolCalls: []domain.ToolCall{{ID: "c1", Name: "fetch", Args: json.RawMessage(`{"url":"{{page.url}}"}`)}}},
		{Text: "ok"},
	}}
	loop, _ := newTestLoop(t, model, tool)
	req := baseRequest()
	req.ToolContext.Registers.Set("page", "web_search", json.RawMessage(`{"url":"https://x/abc123"}`))

	if _, err := loop.Run(context.Background(), req); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tool.seen) != 1 || !strings.Contains(tool.seen[0], "https://x/abc123") {
		t.Fatalf("args not expanded: %v", tool.seen)
	}
}
