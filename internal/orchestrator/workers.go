package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/events"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator/store"
	"github.com/agentfleet/agentfleet/internal/queue"
	"github.com/agentfleet/agentfleet/internal/worker"
	"github.com/agentfleet/agentfleet/internal/worktree"
)

// ErrWorkerNotFound is returned for unknown worker ids.
var ErrWorkerNotFound = errors.New("worker not found")

// WorkerInfo is the API view of a live worker session.
type WorkerInfo struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	TaskID       string        `json:"task_id,omitempty"`
	PlanID       string        `json:"plan_id,omitempty"`
	Task         string        `json:"task"`
	Status       worker.Status `json:"status"`
	AgentID      string        `json:"agent_id,omitempty"`
	ModelID      string        `json:"model_id,omitempty"`
	WorktreePath string        `json:"worktree_path,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DeployOptions overrides the task's agent and model at deploy time.
type DeployOptions struct {
	AgentID string
	ModelID string
}

// DeployTask spins up a worker session for a task: an isolated worktree
// when the task names a repository, a queue address, and event-bus
// republishing. The task moves to deployed.
func (s *Service) DeployTask(ctx context.Context, taskID string, opts DeployOptions) (*WorkerInfo, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case store.TaskNew, store.TaskFailed:
	default:
		return nil, fmt.Errorf("%w: task is %s", ErrInvalidState, task.Status)
	}
	if task.WorkerID != "" {
		if _, live := s.getHandle(task.WorkerID); live {
			return nil, fmt.Errorf("%w: task already has worker %s", ErrInvalidState, task.WorkerID)
		}
	}

	workerID := uuid.NewString()
	agentID := task.Agent
	if opts.AgentID != "" {
		agentID = opts.AgentID
	}
	modelID := task.ModelID
	if opts.ModelID != "" {
		modelID = opts.ModelID
	}

	var worktreePath, baseBranch string
	if task.RepoPath != "" && s.worktrees != nil {
		info, err := s.worktrees.Create(ctx, workerID, worktree.CreateOptions{
			RepoPath: task.RepoPath,
			Base:     task.BaseBranch,
		})
		if err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		worktreePath = info.WorktreePath
		baseBranch = info.BaseBranch
	}

	session := worker.NewSession(worker.Options{
		ID:           workerID,
		Name:         task.Name,
		Task:         task.Description,
		WorktreePath: worktreePath,
		PlanID:       task.PlanID,
		BaseBranch:   baseBranch,
		AgentID:      agentID,
		ModelID:      modelID,
	}, s.log)

	handle := &workerHandle{
		session:    session,
		taskID:     task.ID,
		eventsDone: make(chan struct{}),
	}
	handle.unregister = s.queue.RegisterHandler(workerID, s.workerQueueHandler(session))
	eventCh, detach := session.Subscribe()
	handle.detach = detach
	go s.republishWorkerEvents(handle, eventCh)

	s.mu.Lock()
	s.workers[workerID] = handle
	s.mu.Unlock()

	task.WorkerID = workerID
	task.Status = store.TaskDeployed
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.log.Error("task update after deploy failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	s.publish(ctx, bus.SubjectWorkerPrefix+workerID, events.WorkerCreated, map[string]any{
		"worker_id": workerID,
		"task_id":   task.ID,
	})
	s.publish(ctx, bus.SubjectTaskPrefix+task.ID, events.TaskDeployed, map[string]any{
		"task_id":   task.ID,
		"worker_id": workerID,
	})

	if _, err := s.router.Send(ctx, queue.EnqueueOptions{
		Type:     queue.TypeStatusUpdate,
		Sender:   queue.AgentID{Kind: queue.AgentWorker, ID: workerID},
		Receiver: queue.AgentID{Kind: queue.AgentOrchestrator, ID: OrchestratorID},
		Content:  queue.StatusUpdate("deployed", task.Description),
		PlanID:   task.PlanID,
		TaskID:   task.ID,
	}); err != nil {
		s.log.Warn("deploy status message failed", zap.Error(err))
	}

	s.log.Info("worker deployed",
		zap.String("worker_id", workerID),
		zap.String("task_id", task.ID),
		zap.String("worktree", worktreePath))
	return s.workerInfo(handle), nil
}

// workerQueueHandler dispatches queue messages addressed to a worker
// into its session.
func (s *Service) workerQueueHandler(session *worker.Session) queue.Handler {
	return func(ctx context.Context, msg *queue.Message) error {
		switch msg.Type {
		case queue.TypeRefinement:
			if msg.Content.Refinement == nil {
				return errors.New("refinement message without instruction")
			}
			return s.feedWorker(session, msg.Content.Refinement.Instruction)
		case queue.TypeCancellation:
			session.Interrupt()
			return nil
		case queue.TypeApprovalResponse:
			resp := msg.Content.ApprovalResponse
			if resp == nil {
				return errors.New("approval response without payload")
			}
			return session.HandleApproval(resp.ApprovalID, resp.Approved, resp.Clarification)
		case queue.TypeQuestion:
			if msg.Content.Question == nil {
				return errors.New("question message without payload")
			}
			_, err := session.AppendSystemMessage(
				fmt.Sprintf("Question from %s: %s", msg.Sender.ID, msg.Content.Question.Question))
			return err
		default:
			_, err := session.AppendSystemMessage(
				fmt.Sprintf("Message from %s (%s)", msg.Sender.ID, msg.Type))
			return err
		}
	}
}

// republishWorkerEvents mirrors session events onto the bus. Stream
// parts stay on the session's own subscription channel; the bus carries
// lifecycle only.
func (s *Service) republishWorkerEvents(handle *workerHandle, eventCh <-chan worker.Event) {
	defer close(handle.eventsDone)
	for ev := range eventCh {
		var eventType string
		data := map[string]any{"worker_id": ev.SessionID, "task_id": handle.taskID}
		switch ev.Type {
		case worker.EventStatusChanged:
			eventType = events.WorkerStateChanged
			data["status"] = string(ev.Status)
		case worker.EventUpdated:
			eventType = events.WorkerUpdated
		case worker.EventStreamStarted:
			eventType = events.WorkerStreamStarted
		case worker.EventStreamEnded:
			eventType = events.WorkerStreamEnded
		case worker.EventCompleted:
			eventType = events.WorkerCompleted
		default:
			continue
		}
		s.publish(context.Background(), bus.SubjectWorkerPrefix+ev.SessionID, eventType, data)
	}
}

// SendMessageToWorker routes a user message into a worker. A session
// parked on a clarification gets the text as the clarification; an idle
// or paused session starts a new turn.
func (s *Service) SendMessageToWorker(ctx context.Context, workerID, text string) error {
	handle, ok := s.getHandle(workerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return s.feedWorker(handle.session, text)
}

func (s *Service) feedWorker(session *worker.Session, text string) error {
	if session.AwaitingClarification() {
		return session.SendClarification(text)
	}
	switch session.Status() {
	case worker.StatusRunning, worker.StatusWaitingApproval:
		// Turn in flight; the message joins the log and the executor
		// picks it up on its next read.
		_, err := session.AppendUserMessage(text)
		return err
	default:
		if _, err := session.AppendUserMessage(text); err != nil {
			return err
		}
		return s.startTurn(session)
	}
}

// startTurn transitions the session to running and executes one turn on
// a separate goroutine.
func (s *Service) startTurn(session *worker.Session) error {
	if s.executor == nil {
		return fmt.Errorf("%w: no turn executor configured", ErrInvalidState)
	}
	if err := session.Start(); err != nil {
		return err
	}
	go s.runTurn(session)
	return nil
}

func (s *Service) runTurn(session *worker.Session) {
	ctx := session.TurnContext()
	err := s.executor.ExecuteTurn(ctx, session.Messages(), session.Stream())
	session.Stream().End()

	switch {
	case err == nil:
		if idleErr := session.Idle(); idleErr != nil && !errors.Is(idleErr, worker.ErrInvalidTransition) {
			s.log.Warn("session idle after turn failed", zap.String("worker_id", session.ID), zap.Error(idleErr))
		}
	case errors.Is(err, context.Canceled):
		// Interrupt already moved the session to idle.
	default:
		session.Fail(err.Error())
		s.reportWorkerError(session, err)
	}
}

func (s *Service) reportWorkerError(session *worker.Session, turnErr error) {
	if _, err := s.router.Send(context.Background(), queue.EnqueueOptions{
		Type:     queue.TypeError,
		Priority: queue.PriorityHigh,
		Sender:   queue.AgentID{Kind: queue.AgentWorker, ID: session.ID},
		Receiver: queue.AgentID{Kind: queue.AgentOrchestrator, ID: OrchestratorID},
		Content:  queue.ErrorContent(turnErr.Error(), false),
		PlanID:   session.PlanID,
	}); err != nil {
		s.log.Warn("error report message failed", zap.Error(err))
	}
}

// Approve resolves a pending approval on a worker.
func (s *Service) Approve(ctx context.Context, workerID, approvalID string, approved bool, clarification string) error {
	handle, ok := s.getHandle(workerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return handle.session.HandleApproval(approvalID, approved, clarification)
}

// InterruptWorker cancels the worker's in-flight turn. Reports whether
// an interrupt was actually delivered.
func (s *Service) InterruptWorker(ctx context.Context, workerID string) (bool, error) {
	handle, ok := s.getHandle(workerID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return handle.session.Interrupt(), nil
}

// CompleteWorkerOptions controls how a worker's work is finalized.
type CompleteWorkerOptions struct {
	CommitMessage string `json:"commit_message,omitempty"`
	Push          bool   `json:"push,omitempty"`
	CreatePR      bool   `json:"create_pr,omitempty"`
	PRTitle       string `json:"pr_title,omitempty"`
	PRBody        string `json:"pr_body,omitempty"`
	KeepWorktree  bool   `json:"keep_worktree,omitempty"`
}

// CompleteWorker completes the session, finalizes its worktree, marks
// the task completed, and removes the worker.
func (s *Service) CompleteWorker(ctx context.Context, workerID string, opts CompleteWorkerOptions) (*worktree.CompleteResult, error) {
	handle, ok := s.getHandle(workerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	if err := handle.session.Complete(); err != nil {
		return nil, err
	}

	var result *worktree.CompleteResult
	if s.worktrees != nil {
		if _, exists := s.worktrees.Get(workerID); exists {
			var err error
			result, err = s.worktrees.Complete(ctx, workerID, worktree.CompleteOptions{
				CommitMessage: opts.CommitMessage,
				Push:          opts.Push,
				CreatePR:      opts.CreatePR,
				PRTitle:       opts.PRTitle,
				PRBody:        opts.PRBody,
			})
			if err != nil {
				return nil, fmt.Errorf("finalize worktree: %w", err)
			}
			if !opts.KeepWorktree {
				if err := s.worktrees.Remove(ctx, workerID); err != nil {
					s.log.Warn("worktree removal failed", zap.String("worker_id", workerID), zap.Error(err))
				}
			}
		}
	}

	task, err := s.store.GetTask(ctx, handle.taskID)
	if err == nil {
		task.Status = store.TaskCompleted
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.log.Error("task update after completion failed", zap.String("task_id", task.ID), zap.Error(err))
		}
		s.publish(ctx, bus.SubjectTaskPrefix+task.ID, events.TaskStateChanged, map[string]any{
			"task_id": task.ID,
			"status":  string(task.Status),
		})
	}

	s.removeWorker(ctx, workerID, handle)
	return result, nil
}

// GetWorker returns the API view of a live worker.
func (s *Service) GetWorker(workerID string) (*WorkerInfo, error) {
	handle, ok := s.getHandle(workerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return s.workerInfo(handle), nil
}

// ListWorkers returns all live workers, newest first.
func (s *Service) ListWorkers() []*WorkerInfo {
	s.mu.RLock()
	out := make([]*WorkerInfo, 0, len(s.workers))
	for _, handle := range s.workers {
		out = append(out, s.workerInfo(handle))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// WorkerSession exposes the underlying session for streaming endpoints.
func (s *Service) WorkerSession(workerID string) (*worker.Session, error) {
	handle, ok := s.getHandle(workerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return handle.session, nil
}

func (s *Service) workerInfo(handle *workerHandle) *WorkerInfo {
	session := handle.session
	return &WorkerInfo{
		ID:           session.ID,
		Name:         session.Name,
		TaskID:       handle.taskID,
		PlanID:       session.PlanID,
		Task:         session.Task,
		Status:       session.Status(),
		AgentID:      session.AgentID(),
		ModelID:      session.ModelID(),
		WorktreePath: session.WorktreePath,
		CreatedAt:    session.CreatedAt,
	}
}

func (s *Service) getHandle(workerID string) (*workerHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.workers[workerID]
	return handle, ok
}

// removeWorker unwires a worker and announces its removal.
func (s *Service) removeWorker(ctx context.Context, workerID string, handle *workerHandle) {
	s.mu.Lock()
	delete(s.workers, workerID)
	s.mu.Unlock()

	handle.unregister()
	handle.session.Close()
	handle.detach()
	<-handle.eventsDone

	s.publish(ctx, bus.SubjectWorkerPrefix+workerID, events.WorkerRemoved, map[string]any{
		"worker_id": workerID,
		"task_id":   handle.taskID,
	})
}
