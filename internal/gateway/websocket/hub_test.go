package websocket

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	ws "github.com/agentfleet/agentfleet/pkg/websocket"
)

func newTestClient(id string) *Client {
	return &Client{
		ID:            id,
		send:          make(chan []byte, 8),
		subscriptions: make(map[string]bool),
		logger:        logger.Default(),
	}
}

func TestBroadcastToWorkerReachesOnlySubscribers(t *testing.T) {
	hub := NewHub(ws.NewDispatcher(), logger.Default())

	subscribed := newTestClient("a")
	other := newTestClient("b")
	hub.mu.Lock()
	hub.clients[subscribed] = true
	hub.clients[other] = true
	hub.mu.Unlock()

	hub.SubscribeToWorker(subscribed, "worker-1")

	note, err := ws.NewNotification(ws.ActionWorkerEvent, map[string]any{"worker_id": "worker-1"})
	require.NoError(t, err)
	hub.BroadcastToWorker("worker-1", note)

	select {
	case raw := <-subscribed.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, ws.ActionWorkerEvent, msg.Action)
	default:
		t.Fatal("subscribed client received nothing")
	}

	select {
	case <-other.send:
		t.Fatal("unsubscribed client should receive nothing")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(ws.NewDispatcher(), logger.Default())
	client := newTestClient("a")
	hub.mu.Lock()
	hub.clients[client] = true
	hub.mu.Unlock()

	hub.SubscribeToWorker(client, "worker-1")
	hub.UnsubscribeFromWorker(client, "worker-1")

	note, err := ws.NewNotification(ws.ActionWorkerEvent, nil)
	require.NoError(t, err)
	hub.BroadcastToWorker("worker-1", note)

	select {
	case <-client.send:
		t.Fatal("unsubscribed client should receive nothing")
	default:
	}
}

func TestDispatcherUnknownAction(t *testing.T) {
	d := ws.NewDispatcher()
	msg := &ws.Message{ID: "1", Type: ws.MessageTypeRequest, Action: "nope"}

	resp, err := d.Dispatch(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeUnknownAction, payload.Code)
}
