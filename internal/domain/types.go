package domain

import (
	"encoding/json"
	"time"
)

type NodeKind string

const (
	NodeKindExecution NodeKind = "execution"
	NodeKindTask      NodeKind = "task"
	NodeKindSubAgent  NodeKind = "subagent"
)

type NodeStatus string

const (
	NodeStatusPending    NodeStatus = "pending"
	NodeStatusInProgress NodeStatus = "in_progress"
	NodeStatusCompleted  NodeStatus = "completed"
	NodeStatusError      NodeStatus = "error"
)

func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusError
}

type EntryRole string

const (
	EntryRoleUser       EntryRole = "user"
	EntryRoleAssistant  EntryRole = "assistant"
	EntryRoleToolCall   EntryRole = "tool_call"
	EntryRoleToolResult EntryRole = "tool_result"
)

type EventKind string

const (
	EventExecutionStarted   EventKind = "execution.started"
	EventExecutionThinking  EventKind = "execution.thinking"
	EventTaskStarted        EventKind = "task.started"
	EventTaskUpdated        EventKind = "task.updated"
	EventTaskCompleted      EventKind = "task.completed"
	EventTaskError          EventKind = "task.error"
	EventExecutionCompleted EventKind = "execution.completed"
)

// Message is a normalized inbound chat message produced by a channel adapter.
type Message struct {
	ChannelType string    `json:"channel_type"`
	ChannelID   string    `json:"channel_id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Content     string    `json:"content"`
	IsAdmin     bool      `json:"is_admin,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Identity is the stable internal id for a (channel_type, user_id) pair.
type Identity struct {
	ID          string    `json:"id"`
	ChannelType string    `json:"channel_type"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	CreatedAt   time.Time `json:"created_at"`
}

type Session struct {
	ID          int64     `json:"id"`
	ChannelType string    `json:"channel_type"`
	ChannelID   string    `json:"channel_id"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type SessionEntry struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      EntryRole `json:"role"`
	Content   string    `json:"content"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// SpecialRole is a named bundle of extra tool and skill grants applied on
// top of the safe-mode base set.
type SpecialRole struct {
	Name          string    `json:"name"`
	AllowedTools  []string  `json:"allowed_tools"`
	AllowedSkills []string  `json:"allowed_skills"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type SpecialRoleAssignment struct {
	ID          int64     `json:"id"`
	ChannelType string    `json:"channel_type"`
	UserID      string    `json:"user_id"`
	RoleName    string    `json:"role_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToolConfig is the effective permission set for one dispatch. It is
// recomputed per message and never persisted.
type ToolConfig struct {
	AllowList    []string `json:"allow_list"`
	SkillNames   []string `json:"skill_names,omitempty"`
	SafeMode     bool     `json:"safe_mode"`
	Unrestricted bool     `json:"unrestricted"`
	RoleNames    []string `json:"role_names,omitempty"`
}

func (c ToolConfig) Allows(tool string) bool {
	if c.Unrestricted {
		return true
	}
	for _, name := range c.AllowList {
		if name == tool {
			return true
		}
	}
	return false
}

// ExecutionNode is one unit in the task tree rooted at a dispatch.
type ExecutionNode struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Kind        NodeKind   `json:"kind"`
	Status      NodeStatus `json:"status"`
	Label       string     `json:"label"`
	ChannelType string     `json:"channel_type,omitempty"`
	ChannelID   string     `json:"channel_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ToolsCount  int        `json:"tools_count"`
	TokensUsed  int        `json:"tokens_used"`
	LastError   string     `json:"last_error,omitempty"`
}

type Event struct {
	Kind        EventKind       `json:"kind"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	At          time.Time       `json:"at"`
}

type TaskStartedPayload struct {
	ID       string   `json:"id"`
	ParentID string   `json:"parent_id,omitempty"`
	Label    string   `json:"label"`
	Kind     NodeKind `json:"kind"`
}

type TaskUpdatedPayload struct {
	ID         string `json:"id"`
	ToolsCount *int   `json:"tools_count,omitempty"`
	TokensUsed *int   `json:"tokens_used,omitempty"`
	ActiveForm string `json:"active_form,omitempty"`
}

type TaskCompletedPayload struct {
	ID         string `json:"id"`
	DurationMS int64  `json:"duration_ms"`
}

type TaskErrorPayload struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type ThinkingPayload struct {
	ActiveForm string `json:"active_form"`
}

type ExecutionCompletedPayload struct {
	DurationMS int64  `json:"duration_ms"`
	FinalText  string `json:"final_text"`
}

type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// ModelMessage is one entry of the conversation sent to the model invoker.
type ModelMessage struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ModelResponse carries either final text or a batch of requested tool calls.
type ModelResponse struct {
	Text       string     `json:"text,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	TokensUsed int        `json:"tokens_used"`
}

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// SubAgentTask describes one unit of delegated work for the director.
type SubAgentTask struct {
	Description string `json:"description"`
	Label       string `json:"label"`
	Domain      string `json:"domain,omitempty"`
}

type SubAgentOutcome string

const (
	SubAgentCompleted SubAgentOutcome = "completed"
	SubAgentError     SubAgentOutcome = "error"
	SubAgentForced    SubAgentOutcome = "forced_stop"
	SubAgentCancelled SubAgentOutcome = "cancelled"
)

type SubAgentResult struct {
	Label       string          `json:"label"`
	ExecutionID string          `json:"execution_id"`
	Outcome     SubAgentOutcome `json:"outcome"`
	FinalText   string          `json:"final_text,omitempty"`
	Error       string          `json:"error,omitempty"`
	ToolsUsed   int             `json:"tools_used"`
	TokensUsed  int             `json:"tokens_used"`
}
