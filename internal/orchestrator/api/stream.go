package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator/dto"
	"github.com/agentfleet/agentfleet/internal/worker"
)

// eventsHeartbeat keeps proxies from closing an idle SSE connection.
const eventsHeartbeat = 30 * time.Second

// setSSEHeaders prepares the response for server-sent events.
func setSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// writeSSE writes one event frame and flushes it.
func writeSSE(c *gin.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	c.Writer.Flush()
}

// writeSSEComment writes a comment frame; used for heartbeats.
func writeSSEComment(c *gin.Context, comment string) {
	fmt.Fprintf(c.Writer, ": %s\n\n", comment)
	c.Writer.Flush()
}

// sseEventName maps session events onto the wire vocabulary the UI
// consumes: state, update, stream_start, stream_part, stream_end,
// completed.
func sseEventName(t worker.EventType) string {
	switch t {
	case worker.EventStatusChanged:
		return "state"
	case worker.EventUpdated:
		return "update"
	case worker.EventStreamStarted:
		return "stream_start"
	case worker.EventStreamPart:
		return "stream_part"
	case worker.EventStreamEnded:
		return "stream_end"
	case worker.EventCompleted:
		return "completed"
	}
	return string(t)
}

// StreamWorker streams a worker's lifecycle and response parts as SSE.
// The first frame is the worker's current state.
// GET /api/orchestrator/workers/:workerId/stream
func (h *Handler) StreamWorker(c *gin.Context) {
	workerID := c.Param("workerId")
	session, err := h.service.WorkerSession(workerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	// Subscribe before the snapshot so no transition is lost between the
	// two.
	events, detach := session.Subscribe()
	defer detach()

	setSSEHeaders(c)
	info, err := h.service.GetWorker(workerID)
	if err == nil {
		writeSSE(c, "state", info)
	}

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(c, sseEventName(ev.Type), ev)
			if ev.Type == worker.EventCompleted {
				return
			}
		}
	}
}

// Chat sends a message to a worker and streams the response turn as SSE.
// The stream ends with a done frame when the turn finishes; a client
// disconnect interrupts the worker.
// POST /api/chat
func (h *Handler) Chat(c *gin.Context) {
	var req dto.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	session, err := h.service.WorkerSession(req.WorkerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	events, detach := session.Subscribe()
	defer detach()

	if err := h.service.SendMessageToWorker(c.Request.Context(), req.WorkerID, req.Message); err != nil {
		h.respondError(c, err)
		return
	}
	setSSEHeaders(c)

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			if interrupted, err := h.service.InterruptWorker(c.Request.Context(), req.WorkerID); err == nil && interrupted {
				h.logger.Info("chat client disconnected, worker interrupted",
					zap.String("worker_id", req.WorkerID))
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case worker.EventStreamPart:
				writeSSE(c, "part", ev.Part)
			case worker.EventStatusChanged:
				writeSSE(c, "state", gin.H{"status": ev.Status})
				if ev.Status.Terminal() {
					writeSSE(c, "done", gin.H{"status": ev.Status})
					return
				}
			case worker.EventStreamEnded:
				writeSSE(c, "done", gin.H{"status": session.Status()})
				return
			}
		}
	}
}

// StreamEvents streams the orchestrator's event bus as SSE, with a
// heartbeat comment every 30 seconds.
// GET /api/orchestrator/events
func (h *Handler) StreamEvents(c *gin.Context) {
	if h.bus == nil {
		h.respondError(c, fmt.Errorf("event bus is not configured"))
		return
	}

	// Buffered so a slow client stalls the channel, not the bus handler.
	eventCh := make(chan *bus.Event, 64)
	sub, err := h.bus.Subscribe(bus.SubjectAll, func(ctx context.Context, event *bus.Event) error {
		select {
		case eventCh <- event:
		default:
		}
		return nil
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer sub.Unsubscribe()

	setSSEHeaders(c)
	writeSSE(c, "connected", gin.H{"timestamp": time.Now().UTC()})

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-heartbeat.C:
			writeSSEComment(c, "heartbeat")
		case event := <-eventCh:
			writeSSE(c, event.Type, event)
		}
	}
}
