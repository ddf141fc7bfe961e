package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"starling/internal/domain"
	"starling/internal/register"
	"starling/internal/toolloop"
	"starling/internal/tools"
)

var (
	ErrInvalidMessage = errors.New("invalid inbound message")

	memoryDirective = regexp.MustCompile(`\[remember:\s*([^\]]+)\]`)
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	GetOrCreateIdentity(ctx context.Context, channelType, userID, username string) (domain.Identity, error)
	GetOrCreateSession(ctx context.Context, channelType, channelID string) (domain.Session, error)
	DeactivateSession(ctx context.Context, sessionID int64) error
	AppendSessionEntry(ctx context.Context, entry domain.SessionEntry) (int64, error)
	ListSessionEntries(ctx context.Context, sessionID int64, limit int) ([]domain.SessionEntry, error)
}

// PermissionResolver computes the effective tool config for a dispatch.
type PermissionResolver interface {
	Resolve(ctx context.Context, channelType, userID string, admin bool) domain.ToolConfig
}

// MemoryStore receives memory directives and contributes recent notes to
// the model context.
type MemoryStore interface {
	Append(ctx context.Context, note string) error
	RecentContext(ctx context.Context, days int) (string, error)
}

// Tracker is the slice of the execution tracker the dispatcher needs.
type Tracker interface {
	StartExecution(ctx context.Context, channelType, channelID, label string) domain.ExecutionNode
	CompleteExecution(ctx context.Context, id, finalText string) bool
	FailTask(ctx context.Context, id, errMsg string) bool
}

type Options struct {
	SystemPrompt string
	HistoryLimit int
	MemoryDays   int
}

func (o Options) withDefaults() Options {
	if o.SystemPrompt == "" {
		o.SystemPrompt = "You are a helpful assistant. Use the available tools when they help, and answer in plain text when you are done."
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 100
	}
	if o.MemoryDays <= 0 {
		o.MemoryDays = 3
	}
	return o
}

// Dispatcher turns one inbound message into one tracked execution:
// identity, session, permissions, tool loop, memory directives, reply.
type Dispatcher struct {
	store    Store
	resolver PermissionResolver
	loop     *toolloop.Loop
	tracker  Tracker
	memory   MemoryStore
	spawner  tools.SubAgentSpawner
	notifier tools.Notifier
	opts     Options
	logger   *log.Logger

	sessionLocks sync.Map
}

func New(
	store Store,
	resolver PermissionResolver,
	loop *toolloop.Loop,
	tracker Tracker,
	memory MemoryStore,
	spawner tools.SubAgentSpawner,
	notifier tools.Notifier,
	opts Options,
	logger *log.Logger,
) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		loop:     loop,
		tracker:  tracker,
		memory:   memory,
		spawner:  spawner,
		notifier: notifier,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

type Reply struct {
	Text        string `json:"text"`
	ExecutionID string `json:"execution_id,omitempty"`
	ToolsUsed   int    `json:"tools_used"`
	TokensUsed  int    `json:"tokens_used"`
	DurationMS  int64  `json:"duration_ms"`
	ForcedStop  bool   `json:"forced_stop,omitempty"`
	NewSession  bool   `json:"new_session,omitempty"`
}

// Dispatch runs the full pipeline for one message. Dispatches for
// different sessions run in parallel; within one session they are
// serialized by a per-session lock.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.Message) (Reply, error) {
	if err := validate(msg); err != nil {
		return Reply{}, err
	}

	identity, err := d.store.GetOrCreateIdentity(ctx, msg.ChannelType, msg.UserID, msg.Username)
	if err != nil {
		return Reply{}, fmt.Errorf("resolve identity: %w", err)
	}

	unlock := d.lockSession(msg.ChannelType, msg.ChannelID)
	defer unlock()

	session, err := d.store.GetOrCreateSession(ctx, msg.ChannelType, msg.ChannelID)
	if err != nil {
		return Reply{}, fmt.Errorf("resolve session: %w", err)
	}

	if strings.TrimSpace(msg.Content) == "/new" {
		if err := d.store.DeactivateSession(ctx, session.ID); err != nil {
			return Reply{}, fmt.Errorf("reset session: %w", err)
		}
		if _, err := d.store.GetOrCreateSession(ctx, msg.ChannelType, msg.ChannelID); err != nil {
			return Reply{}, fmt.Errorf("reopen session: %w", err)
		}
		return Reply{Text: "Started a new session.", NewSession: true}, nil
	}

	if _, err := d.store.AppendSessionEntry(ctx, domain.SessionEntry{
		SessionID: session.ID,
		Role:      domain.EntryRoleUser,
		Content:   msg.Content,
		UserID:    identity.ID,
		Username:  msg.Username,
	}); err != nil {
		return Reply{}, fmt.Errorf("append user entry: %w", err)
	}

	cfg := d.resolver.Resolve(ctx, msg.ChannelType, msg.UserID, msg.IsAdmin)

	started := time.Now()
	exec := d.tracker.StartExecution(ctx, msg.ChannelType, msg.ChannelID, trim(msg.Content, 80))
	registers := register.New(d.logger)

	history, err := d.buildHistory(ctx, session.ID, msg.Content)
	if err != nil {
		d.logger.Printf("dispatcher: build history for session %d: %v", session.ID, err)
		history = []domain.ModelMessage{
			{Role: domain.MessageRoleSystem, Content: d.opts.SystemPrompt},
			{Role: domain.MessageRoleUser, Content: msg.Content},
		}
	}

	toolCtx := &tools.Context{
		ChannelType: msg.ChannelType,
		ChannelID:   msg.ChannelID,
		UserID:      msg.UserID,
		SessionID:   session.ID,
		ExecutionID: exec.ID,
		NodeID:      exec.ID,
		Depth:       0,
		Config:      cfg,
		Registers:   registers,
		Memory:      d.memory,
		Notifier:    d.notifier,
		Spawner:     d.spawner,
	}

	out, loopErr := d.loop.Run(ctx, toolloop.Request{
		ExecutionID: exec.ID,
		NodeID:      exec.ID,
		History:     history,
		Config:      cfg,
		ToolContext: toolCtx,
	})

	finalText := registers.ExpandTemplates(out.FinalText)
	finalText = d.applyMemoryDirectives(ctx, finalText)
	if finalText == "" {
		finalText = "I could not produce an answer for this request."
	}

	if loopErr != nil {
		d.logger.Printf("dispatcher: execution %s degraded: %v", exec.ID, loopErr)
		d.tracker.FailTask(ctx, exec.ID, loopErr.Error())
	} else {
		d.tracker.CompleteExecution(ctx, exec.ID, finalText)
	}

	for _, entry := range transcriptEntries(session.ID, history, out.History) {
		if _, err := d.store.AppendSessionEntry(ctx, entry); err != nil {
			d.logger.Printf("dispatcher: append %s entry for session %d: %v", entry.Role, session.ID, err)
		}
	}
	if _, err := d.store.AppendSessionEntry(ctx, domain.SessionEntry{
		SessionID: session.ID,
		Role:      domain.EntryRoleAssistant,
		Content:   finalText,
		Tokens:    out.TokensUsed,
	}); err != nil {
		d.logger.Printf("dispatcher: append assistant entry for session %d: %v", session.ID, err)
	}

	return Reply{
		Text:        finalText,
		ExecutionID: exec.ID,
		ToolsUsed:   out.ToolsUsed,
		TokensUsed:  out.TokensUsed,
		DurationMS:  time.Since(started).Milliseconds(),
		ForcedStop:  out.ForcedStop,
	}, nil
}

func (d *Dispatcher) buildHistory(ctx context.Context, sessionID int64, latest string) ([]domain.ModelMessage, error) {
	system := d.opts.SystemPrompt
	if d.memory != nil {
		notes, err := d.memory.RecentContext(ctx, d.opts.MemoryDays)
		if err != nil {
			d.logger.Printf("dispatcher: memory context: %v", err)
		} else if notes != "" {
			system += "\n\nThings you remember:\n" + notes
		}
	}

	entries, err := d.store.ListSessionEntries(ctx, sessionID, d.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}

	messages := make([]domain.ModelMessage, 0, len(entries)+1)
	messages = append(messages, domain.ModelMessage{Role: domain.MessageRoleSystem, Content: system})
	for _, entry := range entries {
		switch entry.Role {
		case domain.EntryRoleUser:
			messages = append(messages, domain.ModelMessage{Role: domain.MessageRoleUser, Content: entry.Content})
		case domain.EntryRoleAssistant:
			messages = append(messages, domain.ModelMessage{Role: domain.MessageRoleAssistant, Content: entry.Content})
		}
	}
	if len(messages) == 1 {
		messages = append(messages, domain.ModelMessage{Role: domain.MessageRoleUser, Content: latest})
	}
	return messages, nil
}

// applyMemoryDirectives forwards every [remember: ...] marker to the
// memory store and strips it from the user-visible text.
func (d *Dispatcher) applyMemoryDirectives(ctx context.Context, text string) string {
	if d.memory == nil || !strings.Contains(text, "[remember:") {
		return text
	}
	stripped := memoryDirective.ReplaceAllStringFunc(text, func(match string) string {
		groups := memoryDirective.FindStringSubmatch(match)
		note := strings.TrimSpace(groups[1])
		if note != "" {
			if err := d.memory.Append(ctx, note); err != nil {
				d.logger.Printf("dispatcher: memory directive: %v", err)
			}
		}
		return ""
	})
	return strings.TrimSpace(stripped)
}

// transcriptEntries extracts the tool activity the loop appended past the
// prompt, so the session keeps a tool transcript even when the dispatch
// degrades partway through.
func transcriptEntries(sessionID int64, prompt, full []domain.ModelMessage) []domain.SessionEntry {
	var entries []domain.SessionEntry
	for i := len(prompt); i < len(full); i++ {
		msg := full[i]
		switch {
		case msg.Role == domain.MessageRoleAssistant && len(msg.ToolCalls) > 0:
			for _, call := range msg.ToolCalls {
				raw, err := json.Marshal(call)
				if err != nil {
					continue
				}
				entries = append(entries, domain.SessionEntry{
					SessionID: sessionID,
					Role:      domain.EntryRoleToolCall,
					Content:   string(raw),
				})
			}
		case msg.Role == domain.MessageRoleTool:
			entries = append(entries, domain.SessionEntry{
				SessionID: sessionID,
				Role:      domain.EntryRoleToolResult,
				Content:   msg.Content,
			})
		}
	}
	return entries
}

func (d *Dispatcher) lockSession(channelType, channelID string) func() {
	key := channelType + "/" + channelID
	value, _ := d.sessionLocks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func validate(msg domain.Message) error {
	if strings.TrimSpace(msg.ChannelType) == "" {
		return fmt.Errorf("%w: channel_type is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(msg.ChannelID) == "" {
		return fmt.Errorf("%w: channel_id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(msg.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	return nil
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
