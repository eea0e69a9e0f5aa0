// Package queue implements the prioritized, persistent, at-least-once
// message queue that carries inter-agent traffic. Messages are delivered
// to handlers registered per agent id by a single dispatcher goroutine,
// in strict (priority desc, enqueue order asc) order per receiver.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrInvalidOptions is returned when enqueue options fail validation.
	ErrInvalidOptions = errors.New("invalid enqueue options")
	// ErrNotAwaitingAck is returned when acknowledging a message that is
	// not in the pending-acknowledgment map.
	ErrNotAwaitingAck = errors.New("message is not awaiting acknowledgment")
)

// AgentKind distinguishes the roles an agent id can take.
type AgentKind string

const (
	AgentOrchestrator AgentKind = "orchestrator"
	AgentWorker       AgentKind = "worker"
	AgentGeneric      AgentKind = "agent"
)

// AgentID identifies a message endpoint within the process.
type AgentID struct {
	Kind         AgentKind `json:"kind"`
	ID           string    `json:"id"`
	SessionRef   string    `json:"session_ref,omitempty"`
	WorktreePath string    `json:"worktree_path,omitempty"`
}

// MessageType enumerates the known message kinds.
type MessageType string

const (
	TypeStatusUpdate     MessageType = "status_update"
	TypeQuestion         MessageType = "question"
	TypeCompletion       MessageType = "completion"
	TypeError            MessageType = "error"
	TypeApprovalRequest  MessageType = "approval_request"
	TypeApprovalResponse MessageType = "approval_response"
	TypeRefinement       MessageType = "refinement"
	TypeRetryRequest     MessageType = "retry_request"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeCancellation     MessageType = "cancellation"
)

// Priority orders delivery. Higher priorities are always drained first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorityOrder lists priorities from highest to lowest; the dispatcher
// scans it in order.
var priorityOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Status tracks a message through its lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

// DurationMillis is a duration serialized as integer milliseconds, the
// wire form the state file uses.
type DurationMillis time.Duration

func (d DurationMillis) Duration() time.Duration { return time.Duration(d) }

func (d DurationMillis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Duration(d).Milliseconds(), 10)), nil
}

func (d *DurationMillis) UnmarshalJSON(data []byte) error {
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration millis: %w", err)
	}
	*d = DurationMillis(time.Duration(ms) * time.Millisecond)
	return nil
}

// TimeMillis is a timestamp serialized as Unix milliseconds.
type TimeMillis time.Time

func (t TimeMillis) Time() time.Time { return time.Time(t) }

func (t TimeMillis) IsZero() bool { return time.Time(t).IsZero() }

func (t TimeMillis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Time(t).UnixMilli(), 10)), nil
}

func (t *TimeMillis) UnmarshalJSON(data []byte) error {
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid time millis: %w", err)
	}
	*t = TimeMillis(time.UnixMilli(ms).UTC())
	return nil
}

// DeliveryOptions tunes delivery of a single message.
//
// A nil DeliveryOptions on enqueue means all defaults. A non-nil value
// is taken verbatim except Timeout, where 0 means the 30s default:
// RetryCount 0 and TTL 0 are meaningful (fail on first error, expire
// immediately).
type DeliveryOptions struct {
	Timeout    DurationMillis `json:"timeout"`
	RetryCount int            `json:"retry_count"`
	RequireAck bool           `json:"require_ack"`
	TTL        DurationMillis `json:"ttl"`
}

const (
	DefaultAckTimeout = 30 * time.Second
	DefaultRetryCount = 3
	DefaultTTL        = 5 * time.Minute
)

// DefaultDeliveryOptions returns the documented defaults.
func DefaultDeliveryOptions() DeliveryOptions {
	return DeliveryOptions{
		Timeout:    DurationMillis(DefaultAckTimeout),
		RetryCount: DefaultRetryCount,
		RequireAck: false,
		TTL:        DurationMillis(DefaultTTL),
	}
}

// Metadata carries delivery bookkeeping for a message.
type Metadata struct {
	CreatedAt        TimeMillis  `json:"created_at"`
	DeliveredAt      *TimeMillis `json:"delivered_at,omitempty"`
	AcknowledgedAt   *TimeMillis `json:"acknowledged_at,omitempty"`
	DeliveryAttempts int         `json:"delivery_attempts"`
	LastError        string      `json:"last_error,omitempty"`
	CorrelationID    string      `json:"correlation_id,omitempty"`
	TraceID          string      `json:"trace_id,omitempty"`
}

// Message is the unit of inter-agent communication.
type Message struct {
	ID              string          `json:"id"`
	Type            MessageType     `json:"type"`
	Priority        Priority        `json:"priority"`
	Status          Status          `json:"status"`
	Sender          AgentID         `json:"sender"`
	Receiver        AgentID         `json:"receiver"`
	Content         Content         `json:"content"`
	Metadata        Metadata        `json:"metadata"`
	DeliveryOptions DeliveryOptions `json:"delivery_options"`
	PlanID          string          `json:"plan_id,omitempty"`
	TaskID          string          `json:"task_id,omitempty"`
	SubtaskID       string          `json:"subtask_id,omitempty"`
	Depth           int             `json:"depth"`
}

// ExpiresAt returns the instant the message's TTL elapses.
func (m *Message) ExpiresAt() time.Time {
	return m.Metadata.CreatedAt.Time().Add(m.DeliveryOptions.TTL.Duration())
}

// Expired reports whether the message's TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	return now.Sub(m.Metadata.CreatedAt.Time()) >= m.DeliveryOptions.TTL.Duration()
}

// StatusUpdateContent reports worker progress.
type StatusUpdateContent struct {
	Status   string  `json:"status"`
	Detail   string  `json:"detail,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

// QuestionContent asks a peer or the user for input.
type QuestionContent struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
}

// CompletionContent announces that a task finished.
type CompletionContent struct {
	Summary   string   `json:"summary"`
	Success   bool     `json:"success"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// ErrorReportContent reports a worker-side failure.
type ErrorReportContent struct {
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

// ApprovalRequestContent asks for a tool-call decision.
type ApprovalRequestContent struct {
	ApprovalID  string         `json:"approval_id"`
	ToolName    string         `json:"tool_name"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// ApprovalResponseContent carries the decision back.
type ApprovalResponseContent struct {
	ApprovalID    string `json:"approval_id"`
	Approved      bool   `json:"approved"`
	Clarification string `json:"clarification,omitempty"`
}

// RefinementContent carries follow-up instructions for a worker.
type RefinementContent struct {
	Instruction string `json:"instruction"`
}

// RetryRequestContent asks for a previous message to be retried.
type RetryRequestContent struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason,omitempty"`
}

// HeartbeatContent is a liveness ping.
type HeartbeatContent struct {
	Sequence int64 `json:"sequence"`
}

// CancellationContent asks a worker to stop.
type CancellationContent struct {
	Reason string `json:"reason,omitempty"`
}

// Content is a tagged variant over the known message payload shapes.
// Exactly one payload pointer is non-nil for known kinds; unknown kinds
// keep their payload in Raw so they survive persistence round-trips.
type Content struct {
	Kind MessageType

	StatusUpdate     *StatusUpdateContent
	Question         *QuestionContent
	Completion       *CompletionContent
	ErrorReport      *ErrorReportContent
	ApprovalRequest  *ApprovalRequestContent
	ApprovalResponse *ApprovalResponseContent
	Refinement       *RefinementContent
	RetryRequest     *RetryRequestContent
	Heartbeat        *HeartbeatContent
	Cancellation     *CancellationContent

	Raw json.RawMessage
}

type contentEnvelope struct {
	Kind    MessageType     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c Content) payload() (any, bool) {
	switch c.Kind {
	case TypeStatusUpdate:
		return c.StatusUpdate, c.StatusUpdate != nil
	case TypeQuestion:
		return c.Question, c.Question != nil
	case TypeCompletion:
		return c.Completion, c.Completion != nil
	case TypeError:
		return c.ErrorReport, c.ErrorReport != nil
	case TypeApprovalRequest:
		return c.ApprovalRequest, c.ApprovalRequest != nil
	case TypeApprovalResponse:
		return c.ApprovalResponse, c.ApprovalResponse != nil
	case TypeRefinement:
		return c.Refinement, c.Refinement != nil
	case TypeRetryRequest:
		return c.RetryRequest, c.RetryRequest != nil
	case TypeHeartbeat:
		return c.Heartbeat, c.Heartbeat != nil
	case TypeCancellation:
		return c.Cancellation, c.Cancellation != nil
	}
	return nil, false
}

func (c Content) MarshalJSON() ([]byte, error) {
	env := contentEnvelope{Kind: c.Kind}
	if payload, ok := c.payload(); ok {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	} else if len(c.Raw) > 0 {
		env.Payload = c.Raw
	}
	return json.Marshal(env)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var env contentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*c = Content{Kind: env.Kind}
	if len(env.Payload) == 0 {
		return nil
	}
	var target any
	switch env.Kind {
	case TypeStatusUpdate:
		c.StatusUpdate = &StatusUpdateContent{}
		target = c.StatusUpdate
	case TypeQuestion:
		c.Question = &QuestionContent{}
		target = c.Question
	case TypeCompletion:
		c.Completion = &CompletionContent{}
		target = c.Completion
	case TypeError:
		c.ErrorReport = &ErrorReportContent{}
		target = c.ErrorReport
	case TypeApprovalRequest:
		c.ApprovalRequest = &ApprovalRequestContent{}
		target = c.ApprovalRequest
	case TypeApprovalResponse:
		c.ApprovalResponse = &ApprovalResponseContent{}
		target = c.ApprovalResponse
	case TypeRefinement:
		c.Refinement = &RefinementContent{}
		target = c.Refinement
	case TypeRetryRequest:
		c.RetryRequest = &RetryRequestContent{}
		target = c.RetryRequest
	case TypeHeartbeat:
		c.Heartbeat = &HeartbeatContent{}
		target = c.Heartbeat
	case TypeCancellation:
		c.Cancellation = &CancellationContent{}
		target = c.Cancellation
	default:
		// Unknown kind: keep the payload opaque so it round-trips.
		c.Raw = append(json.RawMessage(nil), env.Payload...)
		return nil
	}
	return json.Unmarshal(env.Payload, target)
}

// StatusUpdate builds a status_update content value.
func StatusUpdate(status, detail string) Content {
	return Content{Kind: TypeStatusUpdate, StatusUpdate: &StatusUpdateContent{Status: status, Detail: detail}}
}

// ErrorContent builds an error content value.
func ErrorContent(message string, recoverable bool) Content {
	return Content{Kind: TypeError, ErrorReport: &ErrorReportContent{Error: message, Recoverable: recoverable}}
}

// EnqueueOptions describes a message to enqueue. Type, Receiver.ID and a
// content kind matching Type are required.
type EnqueueOptions struct {
	Type            MessageType
	Priority        Priority
	Sender          AgentID
	Receiver        AgentID
	Content         Content
	DeliveryOptions *DeliveryOptions
	PlanID          string
	TaskID          string
	SubtaskID       string
	CorrelationID   string
	TraceID         string
	Depth           int
}

func (o *EnqueueOptions) validate() error {
	if o.Type == "" {
		return fmt.Errorf("%w: message type is required", ErrInvalidOptions)
	}
	if o.Receiver.ID == "" {
		return fmt.Errorf("%w: receiver id is required", ErrInvalidOptions)
	}
	if o.Priority != "" && !o.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidOptions, o.Priority)
	}
	return nil
}
