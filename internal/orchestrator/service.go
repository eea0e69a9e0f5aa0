// Package orchestrator coordinates the whole runtime: it owns the plan
// and task records, deploys worker sessions into git worktrees, wires
// them to the message queue and router, and republishes their lifecycle
// on the event bus for the HTTP and WebSocket gateways.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/completion"
	"github.com/agentfleet/agentfleet/internal/events"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator/store"
	"github.com/agentfleet/agentfleet/internal/queue"
	"github.com/agentfleet/agentfleet/internal/router"
	"github.com/agentfleet/agentfleet/internal/worker"
	"github.com/agentfleet/agentfleet/internal/worktree"
)

// OrchestratorID is the queue address of the orchestrator's own inbox.
const OrchestratorID = "orchestrator"

// ErrInvalidState is returned when an operation is not allowed in the
// subject's current lifecycle state.
var ErrInvalidState = errors.New("operation not allowed in current state")

// Deps carries the collaborators the service coordinates. Store, Queue
// and Router are required; the rest degrade gracefully when nil.
type Deps struct {
	Store     store.Store
	Queue     *queue.Queue
	Router    *router.Router
	Worktrees *worktree.Manager
	Merger    *completion.Engine
	Bus       bus.EventBus
	Executor  worker.TurnExecutor
	Version   string
}

// Service is the orchestrator core consumed by the HTTP API and the
// WebSocket gateway.
type Service struct {
	store     store.Store
	queue     *queue.Queue
	router    *router.Router
	worktrees *worktree.Manager
	merger    *completion.Engine
	bus       bus.EventBus
	executor  worker.TurnExecutor
	log       *logger.Logger
	version   string
	startedAt time.Time

	mu      sync.RWMutex
	workers map[string]*workerHandle
	inbox   []*InboxItem

	unregisterInbox func()
}

// workerHandle pairs a live session with its queue and bus wiring.
type workerHandle struct {
	session    *worker.Session
	taskID     string
	unregister func()
	detach     func()
	eventsDone chan struct{}
}

// New creates the service and registers the orchestrator's own queue
// inbox.
func New(deps Deps, log *logger.Logger) (*Service, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Router == nil {
		return nil, errors.New("orchestrator: store, queue and router are required")
	}
	if log == nil {
		log = logger.Default()
	}
	s := &Service{
		store:     deps.Store,
		queue:     deps.Queue,
		router:    deps.Router,
		worktrees: deps.Worktrees,
		merger:    deps.Merger,
		bus:       deps.Bus,
		executor:  deps.Executor,
		log:       log.WithFields(zap.String("component", "orchestrator")),
		version:   deps.Version,
		startedAt: time.Now().UTC(),
		workers:   make(map[string]*workerHandle),
	}
	s.unregisterInbox = deps.Queue.RegisterHandler(OrchestratorID, s.handleInboundMessage)
	return s, nil
}

// Close tears down worker wiring. Sessions that are still live are
// failed so their waiters release.
func (s *Service) Close() {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.workers = make(map[string]*workerHandle)
	s.mu.Unlock()

	for _, h := range handles {
		if !h.session.Status().Terminal() {
			h.session.Fail("orchestrator shutting down")
		}
		h.unregister()
		h.detach()
		h.session.Close()
		<-h.eventsDone
	}
	if s.unregisterInbox != nil {
		s.unregisterInbox()
	}
}

// Plans ------------------------------------------------------------------

// CreatePlan persists a new plan.
func (s *Service) CreatePlan(ctx context.Context, plan *store.Plan) (*store.Plan, error) {
	if plan.Name == "" {
		return nil, fmt.Errorf("%w: plan name is required", ErrInvalidState)
	}
	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	s.publish(ctx, bus.SubjectPlanPrefix+plan.ID, events.PlanCreated, map[string]any{
		"plan_id": plan.ID,
		"name":    plan.Name,
	})
	return plan, nil
}

// GetPlan returns a plan by id.
func (s *Service) GetPlan(ctx context.Context, id string) (*store.Plan, error) {
	return s.store.GetPlan(ctx, id)
}

// ListPlans returns all plans, newest first.
func (s *Service) ListPlans(ctx context.Context) ([]*store.Plan, error) {
	return s.store.ListPlans(ctx)
}

// StartPlan moves a plan from new or paused into running.
func (s *Service) StartPlan(ctx context.Context, id string) (*store.Plan, error) {
	return s.setPlanStatus(ctx, id, store.PlanRunning, store.PlanNew, store.PlanPaused)
}

// PausePlan moves a running plan into paused.
func (s *Service) PausePlan(ctx context.Context, id string) (*store.Plan, error) {
	return s.setPlanStatus(ctx, id, store.PlanPaused, store.PlanRunning)
}

// ResumePlan moves a paused plan back into running.
func (s *Service) ResumePlan(ctx context.Context, id string) (*store.Plan, error) {
	return s.setPlanStatus(ctx, id, store.PlanRunning, store.PlanPaused)
}

func (s *Service) setPlanStatus(ctx context.Context, id string, next store.PlanStatus, allowed ...store.PlanStatus) (*store.Plan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	ok := false
	for _, from := range allowed {
		if plan.Status == from {
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: plan is %s", ErrInvalidState, plan.Status)
	}
	plan.Status = next
	if err := s.store.UpdatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	s.publish(ctx, bus.SubjectPlanPrefix+plan.ID, events.PlanStateChanged, map[string]any{
		"plan_id": plan.ID,
		"status":  string(plan.Status),
	})
	return plan, nil
}

// Tasks ------------------------------------------------------------------

// CreateTask persists a new task.
func (s *Service) CreateTask(ctx context.Context, task *store.Task) (*store.Task, error) {
	if task.Description == "" {
		return nil, fmt.Errorf("%w: task description is required", ErrInvalidState)
	}
	if task.PlanID != "" {
		if _, err := s.store.GetPlan(ctx, task.PlanID); err != nil {
			return nil, fmt.Errorf("resolve plan: %w", err)
		}
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.publish(ctx, bus.SubjectTaskPrefix+task.ID, events.TaskCreated, map[string]any{
		"task_id": task.ID,
		"plan_id": task.PlanID,
	})
	return task, nil
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Service) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// CancelTask cancels a task. A live worker is failed and unwired first.
func (s *Service) CancelTask(ctx context.Context, id string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case store.TaskCompleted, store.TaskCancelled:
		return nil, fmt.Errorf("%w: task is %s", ErrInvalidState, task.Status)
	}

	if task.WorkerID != "" {
		if handle, ok := s.getHandle(task.WorkerID); ok {
			handle.session.Interrupt()
			handle.session.Fail("task cancelled")
			s.removeWorker(ctx, task.WorkerID, handle)
		}
		task.WorkerID = ""
	}

	task.Status = store.TaskCancelled
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	s.publish(ctx, bus.SubjectTaskPrefix+task.ID, events.TaskCancelled, map[string]any{
		"task_id": task.ID,
	})
	return task, nil
}

// Status -----------------------------------------------------------------

// StatusReport is the health summary served on /api/status.
type StatusReport struct {
	Version      string          `json:"version"`
	UptimeMillis int64           `json:"uptime_ms"`
	Workers      int             `json:"workers"`
	InboxPending int             `json:"inbox_pending"`
	Queue        queue.Metrics   `json:"queue"`
	Capabilities map[string]bool `json:"capabilities"`
}

// Status reports runtime counters and capability flags.
func (s *Service) Status() StatusReport {
	s.mu.RLock()
	workers := len(s.workers)
	pending := 0
	for _, item := range s.inbox {
		if !item.Processed {
			pending++
		}
	}
	s.mu.RUnlock()

	return StatusReport{
		Version:      s.version,
		UptimeMillis: time.Since(s.startedAt).Milliseconds(),
		Workers:      workers,
		InboxPending: pending,
		Queue:        s.queue.Metrics(),
		Capabilities: map[string]bool{
			"plans":     true,
			"workers":   s.executor != nil,
			"queue":     true,
			"routing":   true,
			"worktrees": s.worktrees != nil,
			"merging":   s.merger != nil,
			"events":    s.bus != nil,
		},
	}
}

// publish sends an event on the bus, logging instead of failing the
// calling operation.
func (s *Service) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "orchestrator", data)
	if err := s.bus.Publish(ctx, subject, evt); err != nil {
		s.log.Warn("event publish failed",
			zap.String("subject", subject),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
