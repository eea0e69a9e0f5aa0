// Package websocket is the WebSocket gateway: connected UI clients get
// orchestrator events pushed to them and can drive workers over the same
// connection.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	ws "github.com/agentfleet/agentfleet/pkg/websocket"
)

// Hub manages all WebSocket client connections and their per-worker
// subscriptions.
type Hub struct {
	clients           map[*Client]bool
	workerSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub using the given dispatcher for request actions.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:           make(map[*Client]bool),
		workerSubscribers: make(map[string]map[*Client]bool),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		broadcast:         make(chan *ws.Message, 256),
		dispatcher:        dispatcher,
		logger:            log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run is the hub's main loop; it exits when ctx is cancelled and closes
// every client on the way out.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.workerSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for workerID := range client.subscriptions {
			if clients, ok := h.workerSubscribers[workerID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.workerSubscribers, workerID)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("broadcast marshal failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump cleans the client up.
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast pushes a notification to every connected client.
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToWorker pushes a notification to the clients subscribed to
// one worker.
func (h *Hub) BroadcastToWorker(workerID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("worker broadcast marshal failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.workerSubscribers[workerID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// SubscribeToWorker subscribes a client to one worker's notifications.
func (h *Hub) SubscribeToWorker(client *Client, workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.workerSubscribers[workerID]; !ok {
		h.workerSubscribers[workerID] = make(map[*Client]bool)
	}
	h.workerSubscribers[workerID][client] = true
	client.subscriptions[workerID] = true

	h.logger.Debug("client subscribed to worker",
		zap.String("client_id", client.ID),
		zap.String("worker_id", workerID))
}

// UnsubscribeFromWorker drops a client's subscription to one worker.
func (h *Hub) UnsubscribeFromWorker(client *Client, workerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, workerID)
	if clients, ok := h.workerSubscribers[workerID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.workerSubscribers, workerID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the request dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}
