package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator"
	"github.com/agentfleet/agentfleet/internal/orchestrator/dto"
	"github.com/agentfleet/agentfleet/internal/orchestrator/store"
	"github.com/agentfleet/agentfleet/internal/worker"
	"github.com/agentfleet/agentfleet/internal/workspace"
)

// Handler contains the HTTP handlers for the orchestrator API.
type Handler struct {
	service    *orchestrator.Service
	workspaces *workspace.Service
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(service *orchestrator.Service, workspaces *workspace.Service, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		service:    service,
		workspaces: workspaces,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// respondError maps service errors onto the status-code vocabulary:
// unknown ids are 404, state-machine rejections are 403, everything else
// is a 500.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, orchestrator.ErrWorkerNotFound),
		errors.Is(err, worker.ErrApprovalNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidState),
		errors.Is(err, worker.ErrInvalidTransition),
		errors.Is(err, worker.ErrTerminal):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, dto.Err(err.Error()))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.Err(err.Error()))
}

// Health reports liveness and the build version.
// GET /api/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.OK(gin.H{
		"status":    "ok",
		"version":   h.service.Status().Version,
		"timestamp": time.Now().UTC(),
	}))
}

// GetStatus reports runtime counters and capability flags.
// GET /api/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, dto.OK(h.service.Status()))
}

// Plans -------------------------------------------------------------------

// CreatePlan creates a plan.
// POST /api/orchestrator/plans
func (h *Handler) CreatePlan(c *gin.Context) {
	var req dto.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	plan, err := h.service.CreatePlan(c.Request.Context(), &store.Plan{
		Name:        req.Name,
		Description: req.Description,
		BaseBranch:  req.BaseBranch,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.OK(plan))
}

// ListPlans lists all plans.
// GET /api/orchestrator/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.service.ListPlans(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(plans))
}

// GetPlan returns one plan.
// GET /api/orchestrator/plans/:planId
func (h *Handler) GetPlan(c *gin.Context) {
	plan, err := h.service.GetPlan(c.Request.Context(), c.Param("planId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(plan))
}

// StartPlan starts a plan.
// POST /api/orchestrator/plans/:planId/start
func (h *Handler) StartPlan(c *gin.Context) {
	plan, err := h.service.StartPlan(c.Request.Context(), c.Param("planId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(plan))
}

// PausePlan pauses a running plan.
// POST /api/orchestrator/plans/:planId/pause
func (h *Handler) PausePlan(c *gin.Context) {
	plan, err := h.service.PausePlan(c.Request.Context(), c.Param("planId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(plan))
}

// ResumePlan resumes a paused plan.
// POST /api/orchestrator/plans/:planId/resume
func (h *Handler) ResumePlan(c *gin.Context) {
	plan, err := h.service.ResumePlan(c.Request.Context(), c.Param("planId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(plan))
}

// Tasks -------------------------------------------------------------------

// CreateTask creates a task.
// POST /api/orchestrator/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := h.service.CreateTask(c.Request.Context(), &store.Task{
		Name:          req.Name,
		Description:   req.Description,
		Priority:      req.Priority,
		PlanID:        req.PlanID,
		Dependencies:  req.Dependencies,
		ParallelGroup: req.ParallelGroup,
		Agent:         req.Agent,
		ModelID:       req.ModelID,
		TargetFiles:   req.TargetFiles,
		BaseBranch:    req.BaseBranch,
		RepoPath:      req.RepoPath,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.OK(task))
}

// ListTasks lists tasks, optionally filtered by plan or status.
// GET /api/orchestrator/tasks?plan_id=&status=
func (h *Handler) ListTasks(c *gin.Context) {
	filter := store.TaskFilter{
		PlanID: c.Query("plan_id"),
		Status: store.TaskStatus(c.Query("status")),
	}
	tasks, err := h.service.ListTasks(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(tasks))
}

// GetTask returns one task.
// GET /api/orchestrator/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(task))
}

// DeployTask deploys a worker for a task.
// POST /api/orchestrator/tasks/:taskId/deploy
func (h *Handler) DeployTask(c *gin.Context) {
	var req dto.DeployTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Empty body means default agent and model.
		req = dto.DeployTaskRequest{}
	}
	info, err := h.service.DeployTask(c.Request.Context(), c.Param("taskId"), orchestrator.DeployOptions{
		AgentID: req.AgentID,
		ModelID: req.ModelID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.OK(info))
}

// CancelTask cancels a task and tears down its worker.
// POST /api/orchestrator/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	task, err := h.service.CancelTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(task))
}

// Workers -----------------------------------------------------------------

// ListWorkers lists live workers.
// GET /api/orchestrator/workers
func (h *Handler) ListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, dto.OK(h.service.ListWorkers()))
}

// GetWorker returns one worker with its conversation log.
// GET /api/orchestrator/workers/:workerId
func (h *Handler) GetWorker(c *gin.Context) {
	info, err := h.service.GetWorker(c.Param("workerId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	session, err := h.service.WorkerSession(info.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(gin.H{
		"worker":    info,
		"messages":  session.Messages(),
		"approvals": session.PendingApprovals(),
	}))
}

// SendMessage sends a user message to a worker.
// POST /api/orchestrator/workers/:workerId/message
func (h *Handler) SendMessage(c *gin.Context) {
	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.SendMessageToWorker(c.Request.Context(), c.Param("workerId"), req.Message); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(gin.H{"delivered": true}))
}

// Approve resolves a pending approval.
// POST /api/orchestrator/workers/:workerId/approve
func (h *Handler) Approve(c *gin.Context) {
	var req dto.ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	err := h.service.Approve(c.Request.Context(), c.Param("workerId"), req.ApprovalID, req.Approved, req.Clarification)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(gin.H{"approval_id": req.ApprovalID, "approved": req.Approved}))
}

// InterruptWorker cancels a worker's in-flight turn.
// POST /api/orchestrator/workers/:workerId/interrupt
func (h *Handler) InterruptWorker(c *gin.Context) {
	interrupted, err := h.service.InterruptWorker(c.Request.Context(), c.Param("workerId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(gin.H{"interrupted": interrupted}))
}

// CompleteWorker finalizes a worker's work and removes it.
// POST /api/orchestrator/workers/:workerId/complete
func (h *Handler) CompleteWorker(c *gin.Context) {
	var req dto.CompleteWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = dto.CompleteWorkerRequest{}
	}
	result, err := h.service.CompleteWorker(c.Request.Context(), c.Param("workerId"), orchestrator.CompleteWorkerOptions{
		CommitMessage: req.CommitMessage,
		Push:          req.Push,
		CreatePR:      req.CreatePR,
		PRTitle:       req.PRTitle,
		PRBody:        req.PRBody,
		KeepWorktree:  req.KeepWorktree,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(gin.H{"completed": true, "worktree": result}))
}

// Inbox -------------------------------------------------------------------

// ListInbox lists inbox items. ?all=true includes processed items.
// GET /api/orchestrator/inbox
func (h *Handler) ListInbox(c *gin.Context) {
	includeProcessed := c.Query("all") == "true"
	c.JSON(http.StatusOK, dto.OK(h.service.ListInbox(includeProcessed)))
}

// ProcessInbox marks an inbox item handled.
// POST /api/orchestrator/inbox/:itemId/process
func (h *Handler) ProcessInbox(c *gin.Context) {
	item, err := h.service.ProcessInbox(c.Request.Context(), c.Param("itemId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(item))
}

// Workspaces --------------------------------------------------------------

// ListWorkspaces lists all registered workspaces.
// GET /api/workspaces
func (h *Handler) ListWorkspaces(c *gin.Context) {
	all, err := h.workspaces.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(all))
}

// CreateWorkspace registers a repository root.
// POST /api/workspaces
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req dto.CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ws, err := h.workspaces.Register(c.Request.Context(), req.Path, req.Name)
	if err != nil {
		if errors.Is(err, workspace.ErrNotDirectory) || errors.Is(err, os.ErrNotExist) {
			badRequest(c, err)
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.OK(ws))
}

// RecentWorkspaces lists the most recently opened workspaces.
// GET /api/workspaces/recent
func (h *Handler) RecentWorkspaces(c *gin.Context) {
	recent, err := h.workspaces.Recent(c.Request.Context(), 0)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(recent))
}

// OpenWorkspace marks a workspace as most recently opened.
// POST /api/workspaces/:workspaceId/open
func (h *Handler) OpenWorkspace(c *gin.Context) {
	ws, err := h.workspaces.Open(c.Request.Context(), c.Param("workspaceId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.OK(ws))
}
