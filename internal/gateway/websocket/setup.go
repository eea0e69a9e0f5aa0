package websocket

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator"
	ws "github.com/agentfleet/agentfleet/pkg/websocket"
)

// Setup wires the gateway: dispatcher actions backed by the orchestrator
// service, the event-bus mirror, and the /ws route. The returned hub
// must be run by the caller.
func Setup(router gin.IRoutes, service *orchestrator.Service, eventBus bus.EventBus, log *logger.Logger) *Hub {
	dispatcher := ws.NewDispatcher()
	registerActions(dispatcher, service)

	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)
	router.GET("/ws", handler.HandleConnection)

	if eventBus != nil {
		mirrorBus(hub, eventBus, log)
	}
	return hub
}

// registerActions maps request actions onto the orchestrator service.
func registerActions(d *ws.Dispatcher, service *orchestrator.Service) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"status": "ok"})
	})

	d.RegisterFunc(ws.ActionStatusGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, service.Status())
	})

	d.RegisterFunc(ws.ActionWorkerList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, service.ListWorkers())
	})

	d.RegisterFunc(ws.ActionInboxList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, service.ListInbox(false))
	})

	d.RegisterFunc(ws.ActionWorkerMessage, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			WorkerID string `json:"worker_id"`
			Message  string `json:"message"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if req.WorkerID == "" || req.Message == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "worker_id and message are required", nil)
		}
		if err := service.SendMessageToWorker(ctx, req.WorkerID, req.Message); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"delivered": true})
	})

	d.RegisterFunc(ws.ActionWorkerApprove, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			WorkerID      string `json:"worker_id"`
			ApprovalID    string `json:"approval_id"`
			Approved      bool   `json:"approved"`
			Clarification string `json:"clarification"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if err := service.Approve(ctx, req.WorkerID, req.ApprovalID, req.Approved, req.Clarification); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"approval_id": req.ApprovalID})
	})

	d.RegisterFunc(ws.ActionWorkerInterrupt, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			WorkerID string `json:"worker_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		interrupted, err := service.InterruptWorker(ctx, req.WorkerID)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"interrupted": interrupted})
	})
}

// mirrorBus forwards orchestrator events to connected clients: all
// events as broadcast notifications, worker events additionally to the
// worker's subscribers.
func mirrorBus(hub *Hub, eventBus bus.EventBus, log *logger.Logger) {
	_, err := eventBus.Subscribe(bus.SubjectAll, func(ctx context.Context, event *bus.Event) error {
		notification, err := ws.NewNotification(ws.ActionEvent, event)
		if err != nil {
			return err
		}
		hub.Broadcast(notification)

		if workerID, ok := event.Data["worker_id"].(string); ok && workerID != "" {
			workerNote, err := ws.NewNotification(ws.ActionWorkerEvent, event)
			if err != nil {
				return err
			}
			hub.BroadcastToWorker(workerID, workerNote)
		}
		return nil
	})
	if err != nil {
		log.Error("event bus mirror subscription failed", zap.Error(err))
	}
}
