package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"starling/internal/domain"
	"starling/internal/register"
)

type memorySink struct {
	notes []string
}

func (m *memorySink) Append(ctx context.Context, note string) error {
	m.notes = append(m.notes, note)
	return nil
}

type notifySink struct {
	texts []string
}

func (n *notifySink) Notify(ctx context.Context, text string) error {
	n.texts = append(n.texts, text)
	return nil
}

func TestRegistryRegisterAndSpecs(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	if err := r.Register(SayToUser{}); err == nil {
		t.Fatalf("duplicate registration must fail")
	}
	names := r.ToolNames()
	want := []string{"register_peek", "remember", "say_to_user", "spawn_subagents"}
	if len(names) != len(want) {
		t.Fatalf("got %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v want %v", names, want)
		}
	}

	specs := r.Specs(domain.ToolConfig{SafeMode: true, AllowList: []string{"remember"}})
	if len(specs) != 1 || specs[0].Name != "remember" {
		t.Fatalf("got specs %+v", specs)
	}
	specs = r.Specs(domain.ToolConfig{Unrestricted: true})
	if len(specs) != 4 {
		t.Fatalf("unrestricted specs: %+v", specs)
	}
}

func TestSayToUser(t *testing.T) {
	sink := &notifySink{}
	tc := &Context{Notifier: sink}
	out, err := SayToUser{}.Invoke(context.Background(), json.RawMessage(`{"message":"hold on"}`), tc)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "message delivered" || len(sink.texts) != 1 || sink.texts[0] != "hold on" {
		t.Fatalf("got %q, sink %v", out, sink.texts)
	}
	if _, err := (SayToUser{}).Invoke(context.Background(), json.RawMessage(`{"message":"  "}`), tc); err == nil {
		t.Fatalf("empty message must fail")
	}
}

func TestRemember(t *testing.T) {
	sink := &memorySink{}
	tc := &Context{Memory: sink}
	if _, err := (Remember{}).Invoke(context.Background(), json.RawMessage(`{"content":"user prefers metric units"}`), tc); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(sink.notes) != 1 || sink.notes[0] != "user prefers metric units" {
		t.Fatalf("got %v", sink.notes)
	}
}

func TestRegisterPeek(t *testing.T) {
	regs := register.New(nil)
	regs.Set("order", "http_get", json.RawMessage(`{"id":41}`))
	tc := &Context{Registers: regs}

	out, err := RegisterPeek{}.Invoke(context.Background(), nil, tc)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(out, "order") {
		t.Fatalf("got %q", out)
	}

	out, err = RegisterPeek{}.Invoke(context.Background(), json.RawMessage(`{"key":"order.id"}`), tc)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "41" {
		t.Fatalf("got %q", out)
	}

	if _, err := (RegisterPeek{}).Invoke(context.Background(), json.RawMessage(`{"key":"missing"}`), tc); err == nil {
		t.Fatalf("missing key must fail")
	}
}

type fakeSpawner struct {
	gotDepth int
	gotTasks []domain.SubAgentTask
}

func (f *fakeSpawner) Spawn(ctx context.Context, parent *Context, tasks []domain.SubAgentTask) ([]domain.SubAgentResult, error) {
	f.gotDepth = parent.Depth
	f.gotTasks = tasks
	out := make([]domain.SubAgentResult, len(tasks))
	for i, task := range tasks {
		out[i] = domain.SubAgentResult{Label: task.Label, Outcome: domain.SubAgentCompleted, FinalText: "ok"}
	}
	return out, nil
}

func TestSpawnSubAgents(t *testing.T) {
	spawner := &fakeSpawner{}
	tc := &Context{Spawner: spawner, Depth: 0, NodeID: "n1"}
	args := json.RawMessage(`{"tasks":[{"description":"check a","label":"a"},{"description":"check b","label":"b"}]}`)
	out, err := SpawnSubAgents{}.Invoke(context.Background(), args, tc)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var decoded struct {
		Results []domain.SubAgentResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Results) != 2 || decoded.Results[0].Label != "a" {
		t.Fatalf("got %+v", decoded.Results)
	}
	if len(spawner.gotTasks) != 2 {
		t.Fatalf("spawner saw %v", spawner.gotTasks)
	}
}
