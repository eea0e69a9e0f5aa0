// Package events defines the event types the orchestrator emits on its
// single event stream, and the provider that selects the bus backend.
package events

// Event types for plans.
const (
	PlanCreated      = "plan.created"
	PlanUpdated      = "plan.updated"
	PlanStateChanged = "plan.state_changed"
)

// Event types for tasks.
const (
	TaskCreated      = "task.created"
	TaskUpdated      = "task.updated"
	TaskStateChanged = "task.state_changed"
	TaskDeployed     = "task.deployed"
	TaskCancelled    = "task.cancelled"
)

// Event types for workers.
const (
	WorkerCreated       = "worker.created"
	WorkerStateChanged  = "worker.state_changed"
	WorkerUpdated       = "worker.updated"
	WorkerStreamStarted = "worker.stream_started"
	WorkerStreamEnded   = "worker.stream_ended"
	WorkerCompleted     = "worker.completed"
	WorkerRemoved       = "worker.removed"
)

// Event types for the inbox.
const (
	InboxItemAdded     = "inbox.item_added"
	InboxItemProcessed = "inbox.item_processed"
)

// Event types for workspaces.
const (
	WorkspaceCreated = "workspace.created"
	WorkspaceOpened  = "workspace.opened"
)
