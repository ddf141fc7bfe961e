package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"starling/internal/domain"
)

// SayToUser delivers an interim message to the user without ending the
// execution.
type SayToUser struct{}

func (SayToUser) Name() string        { return "say_to_user" }
func (SayToUser) Description() string { return "Send a message to the user while work continues." }
func (SayToUser) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`)
}

func (SayToUser) Invoke(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if strings.TrimSpace(in.Message) == "" {
		return "", errors.New("message is empty")
	}
	if tc.Notifier != nil {
		if err := tc.Notifier.Notify(ctx, in.Message); err != nil {
			return "", fmt.Errorf("deliver message: %w", err)
		}
	}
	return "message delivered", nil
}

// Remember appends a note to the persistent memory log.
type Remember struct{}

func (Remember) Name() string        { return "remember" }
func (Remember) Description() string { return "Store a note in long-term memory." }
func (Remember) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"content":{"type":"string"}},"required":["content"]}`)
}

func (Remember) Invoke(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if strings.TrimSpace(in.Content) == "" {
		return "", errors.New("content is empty")
	}
	if tc.Memory == nil {
		return "", errors.New("memory is not configured")
	}
	if err := tc.Memory.Append(ctx, in.Content); err != nil {
		return "", fmt.Errorf("append memory: %w", err)
	}
	return "remembered", nil
}

// RegisterPeek inspects the execution's register store. Without a key it
// lists the known register names.
type RegisterPeek struct{}

func (RegisterPeek) Name() string { return "register_peek" }
func (RegisterPeek) Description() string {
	return "Inspect stored register values: list keys or read one entry."
}
func (RegisterPeek) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}}}`)
}

func (RegisterPeek) Invoke(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Key string `json:"key"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
	}
	if tc.Registers == nil {
		return "", errors.New("registers are not configured")
	}
	if in.Key == "" {
		keys := tc.Registers.Keys()
		if len(keys) == 0 {
			return "no registers set", nil
		}
		return "registers: " + strings.Join(keys, ", "), nil
	}
	raw, ok := tc.Registers.Lookup(in.Key)
	if !ok {
		return "", fmt.Errorf("register %q not found", in.Key)
	}
	return string(raw), nil
}

// SpawnSubAgents delegates a batch of tasks to parallel child executions
// and blocks until all of them finish.
type SpawnSubAgents struct{}

func (SpawnSubAgents) Name() string { return "spawn_subagents" }
func (SpawnSubAgents) Description() string {
	return "Run independent tasks in parallel child agents and collect their results."
}
func (SpawnSubAgents) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"tasks":{"type":"array","items":{"type":"object","properties":{"description":{"type":"string"},"label":{"type":"string"},"domain":{"type":"string"}},"required":["description","label"]}}},"required":["tasks"]}`)
}

func (SpawnSubAgents) Invoke(ctx context.Context, args json.RawMessage, tc *Context) (string, error) {
	var in struct {
		Tasks []domain.SubAgentTask `json:"tasks"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if len(in.Tasks) == 0 {
		return "", errors.New("tasks is empty")
	}
	if tc.Spawner == nil {
		return "", errors.New("subagents are not configured")
	}
	results, err := tc.Spawner.Spawn(ctx, tc, in.Tasks)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(struct {
		Results []domain.SubAgentResult `json:"results"`
	}{Results: results})
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}
	return string(out), nil
}

// RegisterBuiltins installs the core tool set.
func RegisterBuiltins(r *Registry) error {
	for _, t := range []Tool{SayToUser{}, Remember{}, RegisterPeek{}, SpawnSubAgents{}} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
