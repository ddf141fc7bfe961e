package director

import (
	"context"
	"errors"
	"log"
	"sync"

	"starling/internal/domain"
	"starling/internal/register"
	"starling/internal/toolloop"
	"starling/internal/tools"
)

// CapabilityResolver maps a task's domain label to the tool set a child
// agent runs with. The parent config caps what a child may receive.
type CapabilityResolver interface {
	ResolveCapabilities(domainLabel string, parent domain.ToolConfig) domain.ToolConfig
}

// Tracker is the slice of the execution tracker the director needs.
type Tracker interface {
	StartTask(ctx context.Context, parentID, label string, kind domain.NodeKind) (domain.ExecutionNode, bool)
	CompleteTask(ctx context.Context, id string) bool
	FailTask(ctx context.Context, id, errMsg string) bool
}

// Director fans a batch of tasks out to concurrent child tool loops and
// blocks until every child reaches a terminal state.
type Director struct {
	loop     *toolloop.Loop
	tracker  Tracker
	caps     CapabilityResolver
	maxDepth int
	logger   *log.Logger
}

func New(loop *toolloop.Loop, tracker Tracker, caps CapabilityResolver, maxDepth int, logger *log.Logger) *Director {
	if logger == nil {
		logger = log.Default()
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}
	return &Director{
		loop:     loop,
		tracker:  tracker,
		caps:     caps,
		maxDepth: maxDepth,
		logger:   logger,
	}
}

// Spawn runs one child loop per task and returns exactly one result per
// task, in task order, regardless of sibling failures. Beyond the nesting
// bound every task comes back as an error result and the parent continues.
func (d *Director) Spawn(ctx context.Context, parent *tools.Context, tasks []domain.SubAgentTask) ([]domain.SubAgentResult, error) {
	if len(tasks) == 0 {
		return nil, errors.New("no tasks to spawn")
	}
	results := make([]domain.SubAgentResult, len(tasks))

	if parent.Depth >= d.maxDepth {
		for i, task := range tasks {
			results[i] = domain.SubAgentResult{
				Label:   task.Label,
				Outcome: domain.SubAgentError,
				Error:   "maximum sub-agent nesting depth reached",
			}
		}
		return results, nil
	}

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(slot int, task domain.SubAgentTask) {
			defer wg.Done()
			results[slot] = d.runChild(ctx, parent, task)
		}(i, task)
	}
	wg.Wait()
	return results, nil
}

func (d *Director) runChild(ctx context.Context, parent *tools.Context, task domain.SubAgentTask) domain.SubAgentResult {
	node, ok := d.tracker.StartTask(ctx, parent.NodeID, task.Label, domain.NodeKindSubAgent)
	if !ok {
		return domain.SubAgentResult{
			Label:   task.Label,
			Outcome: domain.SubAgentError,
			Error:   "could not create task node",
		}
	}

	cfg := parent.Config
	if d.caps != nil {
		cfg = d.caps.ResolveCapabilities(task.Domain, parent.Config)
	}

	childCtx := &tools.Context{
		ChannelType: parent.ChannelType,
		ChannelID:   parent.ChannelID,
		UserID:      parent.UserID,
		SessionID:   parent.SessionID,
		ExecutionID: parent.ExecutionID,
		NodeID:      node.ID,
		Depth:       parent.Depth + 1,
		Config:      cfg,
		Registers:   register.New(d.logger),
		Memory:      parent.Memory,
		Notifier:    parent.Notifier,
		Spawner:     parent.Spawner,
	}

	history := []domain.ModelMessage{
		{Role: domain.MessageRoleSystem, Content: "You are a focused sub-agent. Complete the delegated task and answer with your findings."},
		{Role: domain.MessageRoleUser, Content: task.Description},
	}

	out, err := d.loop.Run(ctx, toolloop.Request{
		ExecutionID: parent.ExecutionID,
		NodeID:      node.ID,
		History:     history,
		Config:      cfg,
		ToolContext: childCtx,
	})

	result := domain.SubAgentResult{
		Label:       task.Label,
		ExecutionID: node.ID,
		FinalText:   out.FinalText,
		ToolsUsed:   out.ToolsUsed,
		TokensUsed:  out.TokensUsed,
	}
	switch {
	case errors.Is(err, toolloop.ErrCancelled):
		result.Outcome = domain.SubAgentCancelled
		result.Error = "cancelled"
		d.tracker.FailTask(ctx, node.ID, "cancelled")
	case err != nil:
		result.Outcome = domain.SubAgentError
		result.Error = err.Error()
		d.tracker.FailTask(ctx, node.ID, err.Error())
	case out.ForcedStop:
		result.Outcome = domain.SubAgentForced
		d.tracker.CompleteTask(ctx, node.ID)
	default:
		result.Outcome = domain.SubAgentCompleted
		d.tracker.CompleteTask(ctx, node.ID)
	}
	return result
}
