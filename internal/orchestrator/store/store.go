// Package store persists the orchestrator's plans, tasks, and
// workspaces. The SQLite implementation backs the runtime; the memory
// implementation backs tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown ids.
var ErrNotFound = errors.New("not found")

// PlanStatus tracks a plan through its lifecycle.
type PlanStatus string

const (
	PlanNew       PlanStatus = "new"
	PlanRunning   PlanStatus = "running"
	PlanPaused    PlanStatus = "paused"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Plan is a named grouping of tasks sharing a base branch.
type Plan struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description,omitempty" db:"description"`
	BaseBranch  string     `json:"base_branch,omitempty" db:"base_branch"`
	Status      PlanStatus `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskNew       TaskStatus = "new"
	TaskDeployed  TaskStatus = "deployed"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of work that owns at most one live worker.
type Task struct {
	ID            string     `json:"id" db:"id"`
	Name          string     `json:"name,omitempty" db:"name"`
	Description   string     `json:"description" db:"description"`
	Priority      string     `json:"priority,omitempty" db:"priority"`
	PlanID        string     `json:"plan_id,omitempty" db:"plan_id"`
	Dependencies  []string   `json:"dependencies,omitempty" db:"-"`
	ParallelGroup string     `json:"parallel_group,omitempty" db:"parallel_group"`
	Agent         string     `json:"agent,omitempty" db:"agent"`
	ModelID       string     `json:"model_id,omitempty" db:"model_id"`
	TargetFiles   []string   `json:"target_files,omitempty" db:"-"`
	BaseBranch    string     `json:"base_branch,omitempty" db:"base_branch"`
	RepoPath      string     `json:"repo_path,omitempty" db:"repo_path"`
	WorkerID      string     `json:"worker_id,omitempty" db:"worker_id"`
	SessionURI    string     `json:"session_uri,omitempty" db:"session_uri"`
	Status        TaskStatus `json:"status" db:"status"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Workspace is a registered repository root.
type Workspace struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Path         string    `json:"path" db:"path"`
	LastOpenedAt time.Time `json:"last_opened_at" db:"last_opened_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	PlanID string
	Status TaskStatus
}

// Store is the persistence interface the orchestrator consumes.
type Store interface {
	CreatePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)
	UpdatePlan(ctx context.Context, plan *Plan) error

	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	UpdateTask(ctx context.Context, task *Task) error

	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)
	RecentWorkspaces(ctx context.Context, limit int) ([]*Workspace, error)
	TouchWorkspace(ctx context.Context, id string, openedAt time.Time) error

	Close() error
}
