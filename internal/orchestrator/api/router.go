package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator"
	"github.com/agentfleet/agentfleet/internal/workspace"
)

// SetupRoutes mounts the orchestrator API under the given group,
// normally /api.
func SetupRoutes(router *gin.RouterGroup, service *orchestrator.Service, workspaces *workspace.Service, eventBus bus.EventBus, log *logger.Logger) {
	handler := NewHandler(service, workspaces, eventBus, log)

	router.GET("/health", handler.Health)
	router.GET("/status", handler.GetStatus)
	router.POST("/chat", handler.Chat)

	orch := router.Group("/orchestrator")
	{
		orch.GET("/plans", handler.ListPlans)
		orch.POST("/plans", handler.CreatePlan)
		orch.GET("/plans/:planId", handler.GetPlan)
		orch.POST("/plans/:planId/start", handler.StartPlan)
		orch.POST("/plans/:planId/pause", handler.PausePlan)
		orch.POST("/plans/:planId/resume", handler.ResumePlan)

		orch.GET("/tasks", handler.ListTasks)
		orch.POST("/tasks", handler.CreateTask)
		orch.GET("/tasks/:taskId", handler.GetTask)
		orch.POST("/tasks/:taskId/deploy", handler.DeployTask)
		orch.POST("/tasks/:taskId/cancel", handler.CancelTask)

		orch.GET("/workers", handler.ListWorkers)
		orch.GET("/workers/:workerId", handler.GetWorker)
		orch.POST("/workers/:workerId/message", handler.SendMessage)
		orch.POST("/workers/:workerId/approve", handler.Approve)
		orch.POST("/workers/:workerId/interrupt", handler.InterruptWorker)
		orch.POST("/workers/:workerId/complete", handler.CompleteWorker)
		orch.GET("/workers/:workerId/stream", handler.StreamWorker)

		orch.GET("/inbox", handler.ListInbox)
		orch.POST("/inbox/:itemId/process", handler.ProcessInbox)

		orch.GET("/events", handler.StreamEvents)
	}

	ws := router.Group("/workspaces")
	{
		ws.GET("", handler.ListWorkspaces)
		ws.POST("", handler.CreateWorkspace)
		ws.GET("/recent", handler.RecentWorkspaces)
		ws.POST("/:workspaceId/open", handler.OpenWorkspace)
	}
}
