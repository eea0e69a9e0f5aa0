package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator/store"
	"github.com/agentfleet/agentfleet/internal/queue"
	"github.com/agentfleet/agentfleet/internal/router"
	"github.com/agentfleet/agentfleet/internal/worker"
)

// scriptedExecutor streams a fixed response per turn.
type scriptedExecutor struct {
	mu    sync.Mutex
	turns int
	fail  error
	block chan struct{} // when set, the turn waits for ctx or release
}

func (e *scriptedExecutor) ExecuteTurn(ctx context.Context, conversation []worker.LogEntry, sink worker.ResponseSink) error {
	e.mu.Lock()
	e.turns++
	fail := e.fail
	block := e.block
	e.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	if fail != nil {
		return fail
	}
	sink.WritePart(worker.Part{Type: worker.PartMarkdown, Text: "done"})
	return nil
}

func (e *scriptedExecutor) turnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turns
}

type testEnv struct {
	service *Service
	store   *store.MemoryStore
	queue   *queue.Queue
	router  *router.Router
	bus     *bus.MemoryEventBus
	exec    *scriptedExecutor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Default()

	q, err := queue.New(queue.Config{MaxSize: 100}, log)
	require.NoError(t, err)
	q.Start()
	t.Cleanup(q.Stop)

	rt := router.New(q, router.Config{}, log)
	t.Cleanup(rt.Close)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	exec := &scriptedExecutor{}
	svc, err := New(Deps{
		Store:    store.NewMemoryStore(),
		Queue:    q,
		Router:   rt,
		Bus:      memBus,
		Executor: exec,
		Version:  "test",
	}, log)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &testEnv{
		service: svc,
		store:   svc.store.(*store.MemoryStore),
		queue:   q,
		router:  rt,
		bus:     memBus,
		exec:    exec,
	}
}

func (env *testEnv) createTask(t *testing.T, desc string) *store.Task {
	t.Helper()
	task, err := env.service.CreateTask(context.Background(), &store.Task{Description: desc})
	require.NoError(t, err)
	return task
}

func TestPlanLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plan, err := env.service.CreatePlan(ctx, &store.Plan{Name: "migration", BaseBranch: "main"})
	require.NoError(t, err)
	assert.Equal(t, store.PlanNew, plan.Status)

	started, err := env.service.StartPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PlanRunning, started.Status)

	// Starting a running plan is rejected.
	_, err = env.service.StartPlan(ctx, plan.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	paused, err := env.service.PausePlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PlanPaused, paused.Status)

	resumed, err := env.service.ResumePlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PlanRunning, resumed.Status)
}

func TestCreatePlanRequiresName(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.CreatePlan(context.Background(), &store.Plan{})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateTaskValidatesPlan(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.service.CreateTask(context.Background(), &store.Task{
		Description: "orphan",
		PlanID:      "no-such-plan",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeployTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "wire up the cache")

	info, err := env.service.DeployTask(ctx, task.ID, DeployOptions{AgentID: "@coder"})
	require.NoError(t, err)
	assert.Equal(t, worker.StatusIdle, info.Status)
	assert.Equal(t, "@coder", info.AgentID)
	assert.Equal(t, task.ID, info.TaskID)

	updated, err := env.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDeployed, updated.Status)
	assert.Equal(t, info.ID, updated.WorkerID)

	// A second deploy of the same task is rejected while the worker lives.
	_, err = env.service.DeployTask(ctx, task.ID, DeployOptions{})
	assert.ErrorIs(t, err, ErrInvalidState)

	workers := env.service.ListWorkers()
	require.Len(t, workers, 1)
	assert.Equal(t, info.ID, workers[0].ID)
}

func TestSendMessageRunsTurn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "add retries")

	info, err := env.service.DeployTask(ctx, task.ID, DeployOptions{})
	require.NoError(t, err)

	require.NoError(t, env.service.SendMessageToWorker(ctx, info.ID, "start with the client"))

	session, err := env.service.WorkerSession(info.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return session.Status() == worker.StatusIdle && env.exec.turnCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "turn should complete and return to idle")

	// Log: init, user, assistant.
	messages := session.Messages()
	require.Len(t, messages, 3)
	assert.Equal(t, worker.RoleUser, messages[1].Role)
	assert.Equal(t, worker.RoleAssistant, messages[2].Role)
	assert.Equal(t, "done", messages[2].Content)
}

func TestTurnFailureFailsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "doomed")

	info, err := env.service.DeployTask(ctx, task.ID, DeployOptions{})
	require.NoError(t, err)
	env.exec.fail = errors.New("model unavailable")

	require.NoError(t, env.service.SendMessageToWorker(ctx, info.ID, "go"))

	session, err := env.service.WorkerSession(info.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return session.Status() == worker.StatusError
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInterruptWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "long running")

	info, err := env.service.DeployTask(ctx, task.ID, DeployOptions{})
	require.NoError(t, err)
	env.exec.block = make(chan struct{})

	require.NoError(t, env.service.SendMessageToWorker(ctx, info.ID, "go"))
	session, err := env.service.WorkerSession(info.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return session.Status() == worker.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	interrupted, err := env.service.InterruptWorker(ctx, info.ID)
	require.NoError(t, err)
	assert.True(t, interrupted)
	require.Eventually(t, func() bool {
		return session.Status() == worker.StatusIdle
	}, 2*time.Second, 10*time.Millisecond)

	// Interrupting an idle worker is a no-op.
	interrupted, err = env.service.InterruptWorker(ctx, info.ID)
	require.NoError(t, err)
	assert.False(t, interrupted)
}

func TestCompleteWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "finish me")

	info, err := env.service.DeployTask(ctx, task.ID, DeployOptions{})
	require.NoError(t, err)

	_, err = env.service.CompleteWorker(ctx, info.ID, CompleteWorkerOptions{})
	require.NoError(t, err)

	updated, err := env.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, updated.Status)

	_, err = env.service.GetWorker(info.ID)
	assert.ErrorIs(t, err, ErrWorkerNotFound)
	assert.Empty(t, env.service.ListWorkers())
}

func TestCancelTaskWithLiveWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "abort me")

	info, err := env.service.DeployTask(ctx, task.ID, DeployOptions{})
	require.NoError(t, err)

	cancelled, err := env.service.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCancelled, cancelled.Status)
	assert.Empty(t, cancelled.WorkerID)

	_, err = env.service.GetWorker(info.ID)
	assert.ErrorIs(t, err, ErrWorkerNotFound)

	// Cancelled is terminal.
	_, err = env.service.CancelTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestInboxCollectsQuestions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.router.Send(ctx, queue.EnqueueOptions{
		Type:     queue.TypeQuestion,
		Sender:   queue.AgentID{Kind: queue.AgentWorker, ID: "worker-1"},
		Receiver: queue.AgentID{Kind: queue.AgentOrchestrator, ID: OrchestratorID},
		Content: queue.Content{Kind: queue.TypeQuestion, Question: &queue.QuestionContent{
			Question: "which database should I target?",
		}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(env.service.ListInbox(false)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	items := env.service.ListInbox(false)
	require.Len(t, items, 1)
	assert.Equal(t, queue.TypeQuestion, items[0].Type)
	assert.Equal(t, "worker-1", items[0].WorkerID)
	assert.Equal(t, "which database should I target?", items[0].Content)

	processed, err := env.service.ProcessInbox(ctx, items[0].ID)
	require.NoError(t, err)
	assert.True(t, processed.Processed)
	assert.Empty(t, env.service.ListInbox(false))
	assert.Len(t, env.service.ListInbox(true), 1)

	_, err = env.service.ProcessInbox(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInboxIgnoresStatusUpdates(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.router.Send(context.Background(), queue.EnqueueOptions{
		Type:     queue.TypeStatusUpdate,
		Sender:   queue.AgentID{Kind: queue.AgentWorker, ID: "worker-1"},
		Receiver: queue.AgentID{Kind: queue.AgentOrchestrator, ID: OrchestratorID},
		Content:  queue.StatusUpdate("working", ""),
	})
	require.NoError(t, err)

	// Give the dispatcher a moment, then confirm nothing landed.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, env.service.ListInbox(true))
}

func TestApproveViaService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "needs approval")

	info, err := env.service.DeployTask(ctx, task.ID, DeployOptions{})
	require.NoError(t, err)
	session, err := env.service.WorkerSession(info.ID)
	require.NoError(t, err)
	require.NoError(t, session.Start())

	approval, decisionCh, err := session.RequestApproval("run_tests", "call-1", "run the test suite", nil)
	require.NoError(t, err)
	assert.Equal(t, worker.StatusWaitingApproval, session.Status())

	require.NoError(t, env.service.Approve(ctx, info.ID, approval.ID, true, ""))
	decision := <-decisionCh
	assert.True(t, decision.Approved)
	assert.Equal(t, worker.StatusRunning, session.Status())
}

func TestStatusReport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, "count me")
	_, err := env.service.DeployTask(ctx, task.ID, DeployOptions{})
	require.NoError(t, err)

	report := env.service.Status()
	assert.Equal(t, "test", report.Version)
	assert.Equal(t, 1, report.Workers)
	assert.True(t, report.Capabilities["workers"])
	assert.False(t, report.Capabilities["worktrees"])
}
