package tracker

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"starling/internal/domain"
	"starling/internal/events"
)

// Store persists execution nodes. Persistence is write-through and best
// effort: a store failure is logged, never surfaced to the execution.
type Store interface {
	SaveExecutionNode(ctx context.Context, node domain.ExecutionNode) error
}

// Tracker owns the in-memory execution tree, publishes lifecycle events
// in order, and carries per-execution cancellation flags.
type Tracker struct {
	mu        sync.Mutex
	nodes     map[string]*domain.ExecutionNode
	children  map[string][]string
	cancelled map[string]bool
	store     Store
	bus       *events.Bus
	logger    *log.Logger
	now       func() time.Time
}

func New(store Store, bus *events.Bus, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		nodes:     make(map[string]*domain.ExecutionNode),
		children:  make(map[string][]string),
		cancelled: make(map[string]bool),
		store:     store,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

func (t *Tracker) StartExecution(ctx context.Context, channelType, channelID, label string) domain.ExecutionNode {
	node := domain.ExecutionNode{
		ID:          uuid.NewString(),
		Kind:        domain.NodeKindExecution,
		Status:      domain.NodeStatusInProgress,
		Label:       label,
		ChannelType: channelType,
		ChannelID:   channelID,
		StartedAt:   t.now().UTC(),
	}
	t.mu.Lock()
	t.nodes[node.ID] = &node
	t.mu.Unlock()

	t.persist(ctx, node)
	t.emit(node.ID, node.ID, domain.EventExecutionStarted, domain.TaskStartedPayload{
		ID:    node.ID,
		Label: label,
		Kind:  node.Kind,
	})
	return node
}

// StartTask adds a child node under parentID. The execution root is found
// by walking up the tree. The parent must exist and be non-terminal.
func (t *Tracker) StartTask(ctx context.Context, parentID, label string, kind domain.NodeKind) (domain.ExecutionNode, bool) {
	t.mu.Lock()
	parent, ok := t.nodes[parentID]
	if !ok || parent.Status.Terminal() {
		t.mu.Unlock()
		t.logger.Printf("tracker: start task under unknown or finished node %s", parentID)
		return domain.ExecutionNode{}, false
	}
	node := domain.ExecutionNode{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Kind:      kind,
		Status:    domain.NodeStatusInProgress,
		Label:     label,
		StartedAt: t.now().UTC(),
	}
	t.nodes[node.ID] = &node
	t.children[parentID] = append(t.children[parentID], node.ID)
	execID := t.rootLocked(node.ID)
	t.mu.Unlock()

	t.persist(ctx, node)
	t.emit(execID, node.ID, domain.EventTaskStarted, domain.TaskStartedPayload{
		ID:       node.ID,
		ParentID: parentID,
		Label:    label,
		Kind:     kind,
	})
	return node, true
}

// UpdateTask bumps counters on a live node. Updates to unknown or
// terminal nodes are ignored.
func (t *Tracker) UpdateTask(ctx context.Context, id string, toolsCount, tokensUsed *int) bool {
	t.mu.Lock()
	node, ok := t.nodes[id]
	if !ok || node.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	if toolsCount != nil {
		node.ToolsCount = *toolsCount
	}
	if tokensUsed != nil {
		node.TokensUsed = *tokensUsed
	}
	snapshot := *node
	execID := t.rootLocked(id)
	t.mu.Unlock()

	t.persist(ctx, snapshot)
	t.emit(execID, id, domain.EventTaskUpdated, domain.TaskUpdatedPayload{
		ID:         id,
		ToolsCount: toolsCount,
		TokensUsed: tokensUsed,
	})
	return true
}

// Thinking publishes the current activity description for an execution.
func (t *Tracker) Thinking(executionID, activeForm string) {
	t.emit(executionID, executionID, domain.EventExecutionThinking, domain.ThinkingPayload{ActiveForm: activeForm})
}

func (t *Tracker) CompleteTask(ctx context.Context, id string) bool {
	return t.finish(ctx, id, domain.NodeStatusCompleted, "")
}

func (t *Tracker) FailTask(ctx context.Context, id, errMsg string) bool {
	return t.finish(ctx, id, domain.NodeStatusError, errMsg)
}

// CompleteExecution closes the root node and publishes the terminal
// event carrying the final text.
func (t *Tracker) CompleteExecution(ctx context.Context, id, finalText string) bool {
	t.mu.Lock()
	node, ok := t.nodes[id]
	if !ok || node.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	ended := t.now().UTC()
	node.Status = domain.NodeStatusCompleted
	node.EndedAt = &ended
	snapshot := *node
	t.mu.Unlock()

	t.persist(ctx, snapshot)
	t.emit(id, id, domain.EventExecutionCompleted, domain.ExecutionCompletedPayload{
		DurationMS: ended.Sub(snapshot.StartedAt).Milliseconds(),
		FinalText:  finalText,
	})
	return true
}

func (t *Tracker) finish(ctx context.Context, id string, status domain.NodeStatus, errMsg string) bool {
	t.mu.Lock()
	node, ok := t.nodes[id]
	if !ok || node.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	ended := t.now().UTC()
	node.Status = status
	node.EndedAt = &ended
	node.LastError = errMsg
	snapshot := *node
	execID := t.rootLocked(id)
	t.mu.Unlock()

	t.persist(ctx, snapshot)
	if status == domain.NodeStatusError {
		t.emit(execID, id, domain.EventTaskError, domain.TaskErrorPayload{ID: id, Error: errMsg})
	} else {
		t.emit(execID, id, domain.EventTaskCompleted, domain.TaskCompletedPayload{
			ID:         id,
			DurationMS: ended.Sub(snapshot.StartedAt).Milliseconds(),
		})
	}
	return true
}

// Cancel flags an execution; loops observe the flag between iterations.
func (t *Tracker) Cancel(executionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.nodes[executionID]
	if !ok || node.Status.Terminal() {
		return false
	}
	t.cancelled[executionID] = true
	return true
}

// Cancelled reports whether id, or any ancestor of id, has been flagged.
func (t *Tracker) Cancelled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id != "" {
		if t.cancelled[id] {
			return true
		}
		node, ok := t.nodes[id]
		if !ok {
			return false
		}
		id = node.ParentID
	}
	return false
}

func (t *Tracker) Get(id string) (domain.ExecutionNode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.nodes[id]
	if !ok {
		return domain.ExecutionNode{}, false
	}
	return *node, true
}

// Executions lists root nodes, most recent first.
func (t *Tracker) Executions() []domain.ExecutionNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.ExecutionNode, 0)
	for _, node := range t.nodes {
		if node.Kind == domain.NodeKindExecution {
			out = append(out, *node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Tree returns the execution root and all descendants, parents before
// children.
func (t *Tracker) Tree(executionID string) []domain.ExecutionNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	root, ok := t.nodes[executionID]
	if !ok {
		return nil
	}
	out := []domain.ExecutionNode{*root}
	queue := append([]string(nil), t.children[executionID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if node, ok := t.nodes[id]; ok {
			out = append(out, *node)
			queue = append(queue, t.children[id]...)
		}
	}
	return out
}

func (t *Tracker) rootLocked(id string) string {
	for {
		node, ok := t.nodes[id]
		if !ok || node.ParentID == "" {
			return id
		}
		id = node.ParentID
	}
}

func (t *Tracker) persist(ctx context.Context, node domain.ExecutionNode) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveExecutionNode(ctx, node); err != nil {
		t.logger.Printf("tracker: persist node %s: %v", node.ID, err)
	}
}

func (t *Tracker) emit(executionID, nodeID string, kind domain.EventKind, payload any) {
	if t.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Printf("tracker: marshal %s payload: %v", kind, err)
		data = nil
	}
	t.bus.Publish(domain.Event{
		Kind:        kind,
		ExecutionID: executionID,
		NodeID:      nodeID,
		Payload:     data,
		At:          t.now().UTC(),
	})
}
