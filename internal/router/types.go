// Package router is the rule-driven dispatch layer above the message
// queue: it rewrites, transforms, delays, or drops messages before they
// are enqueued, fans successful sends out to subscribers, and records
// route traces for debugging.
package router

import (
	"time"

	"github.com/agentfleet/agentfleet/internal/queue"
)

// Action is what a matching rule does to a message.
type Action string

const (
	ActionRoute     Action = "route"
	ActionBroadcast Action = "broadcast"
	ActionDrop      Action = "drop"
	ActionTransform Action = "transform"
	ActionDelay     Action = "delay"
)

// TransformFunc rewrites a message's content and priority.
type TransformFunc func(opts queue.EnqueueOptions) (queue.Content, queue.Priority)

// Rule is a filter+action pair. All configured filters must match
// (conjunction); an unset filter passes. Patterns support `*`,
// `prefix*`, `*suffix`, and exact strings.
type Rule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
	Action   Action `json:"action"`

	MessageTypes       []queue.MessageType `json:"message_types,omitempty"`
	SourcePattern      string              `json:"source_pattern,omitempty"`
	DestinationPattern string              `json:"destination_pattern,omitempty"`
	PriorityFilter     []queue.Priority    `json:"priority_filter,omitempty"`
	PlanIDFilter       []string            `json:"plan_id_filter,omitempty"`

	TargetAgentID string        `json:"target_agent_id,omitempty"`
	Transform     TransformFunc `json:"-"`
	Delay         time.Duration `json:"delay,omitempty"`
}

// SubscriptionFilter selects which sent messages a subscriber sees. The
// predicates are the rule filters plus a sender filter.
type SubscriptionFilter struct {
	MessageTypes       []queue.MessageType
	SourcePattern      string
	DestinationPattern string
	PriorityFilter     []queue.Priority
	PlanIDFilter       []string
	SenderFilter       []string
}

// Hop is one step in a message's route.
type Hop struct {
	AgentID   string        `json:"agent_id"`
	Timestamp time.Time     `json:"timestamp"`
	Action    string        `json:"action"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// RouteStatus tracks a trace through the queue.
type RouteStatus string

const (
	RouteActive    RouteStatus = "active"
	RouteCompleted RouteStatus = "completed"
	RouteFailed    RouteStatus = "failed"
)

// RouteRecord is the debug trace of a single message.
type RouteRecord struct {
	MessageID   string      `json:"message_id"`
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
	Hops        []Hop       `json:"hops"`
	Status      RouteStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}
