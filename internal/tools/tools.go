package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"starling/internal/domain"
	"starling/internal/register"
)

var ErrUnknownTool = errors.New("unknown tool")

// Tool is one capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage, tc *Context) (string, error)
}

// MemoryWriter receives memory directives extracted from replies and the
// remember tool.
type MemoryWriter interface {
	Append(ctx context.Context, note string) error
}

// Notifier delivers side-channel messages to the user mid-execution.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// SubAgentSpawner launches delegated tasks in parallel and waits for all
// of them. Implemented by the director; declared here so tool code does
// not import it.
type SubAgentSpawner interface {
	Spawn(ctx context.Context, parent *Context, tasks []domain.SubAgentTask) ([]domain.SubAgentResult, error)
}

// Context carries per-execution state into tool invocations.
type Context struct {
	ChannelType string
	ChannelID   string
	UserID      string
	SessionID   int64
	ExecutionID string
	NodeID      string
	Depth       int
	Config      domain.ToolConfig
	Registers   *register.Store
	Memory      MemoryWriter
	Notifier    Notifier
	Spawner     SubAgentSpawner
}

// Registry indexes tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the specs of tools permitted by cfg, for the model prompt.
func (r *Registry) Specs(cfg domain.ToolConfig) []domain.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if cfg.Allows(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	specs := make([]domain.ToolSpec, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		specs = append(specs, domain.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return specs
}
