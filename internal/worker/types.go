// Package worker implements the per-task worker session: a state
// machine over a conversation log, a fan-out response stream with
// replay, an approval protocol for tool calls, a clarification channel,
// and hot-swap of agent identity or model.
package worker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTerminal is returned by mutating operations on a session that
	// reached completed or error.
	ErrTerminal = errors.New("session is in a terminal state")
	// ErrInvalidTransition is returned for a state change the machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrApprovalNotFound is returned for an unknown approval id.
	ErrApprovalNotFound = errors.New("approval not found")
)

// Status is the session state.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusRunning         Status = "running"
	StatusPaused          Status = "paused"
	StatusWaitingApproval Status = "waiting-approval"
	StatusError           Status = "error"
	StatusCompleted       Status = "completed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusCompleted
}

// Role is the author of a log entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// LogEntry is one conversation message. The log is append-mostly: only
// the current assistant entry is updated in place while streaming.
type LogEntry struct {
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	Role              Role           `json:"role"`
	Content           string         `json:"content"`
	Parts             []Part         `json:"parts,omitempty"`
	ToolName          string         `json:"tool_name,omitempty"`
	ToolCallID        string         `json:"tool_call_id,omitempty"`
	IsApprovalRequest bool           `json:"is_approval_request,omitempty"`
	IsPending         bool           `json:"is_pending,omitempty"`
	Params            map[string]any `json:"params,omitempty"`
}

// PartType enumerates the response part kinds a turn executor emits.
type PartType string

const (
	PartMarkdown       PartType = "markdown"
	PartProgress       PartType = "progress"
	PartToolInvocation PartType = "tool_invocation"
	PartReference      PartType = "reference"
	PartEdit           PartType = "edit"
	PartConfirmation   PartType = "confirmation"
	PartWarning        PartType = "warning"
)

// Part is a typed fragment of a streamed response.
type Part struct {
	Type       PartType       `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// ResponseSink receives streamed response parts. The chat UI host
// implements it; tests use in-memory doubles.
type ResponseSink interface {
	WritePart(part Part)
}

// TurnExecutor is the language-model backend: given the conversation so
// far it streams response parts into the sink until the turn ends or
// the context is cancelled.
type TurnExecutor interface {
	ExecuteTurn(ctx context.Context, conversation []LogEntry, sink ResponseSink) error
}

// Decision resolves a pending approval.
type Decision struct {
	Approved      bool
	Clarification string
}

// Approval is a pending tool-call decision suspending the session.
type Approval struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"tool_name"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`

	decision chan Decision
}

// EventType enumerates session lifecycle events.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventUpdated       EventType = "updated"
	EventStreamStarted EventType = "stream_started"
	EventStreamPart    EventType = "stream_part"
	EventStreamEnded   EventType = "stream_ended"
	EventCompleted     EventType = "completed"
)

// Event describes a session transition or stream emission.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Status    Status    `json:"status,omitempty"`
	Part      *Part     `json:"part,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
