package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	log, _ := logger.New(logger.Config{Level: "error", Format: "json"})
	q, err := New(cfg, log)
	require.NoError(t, err)
	q.Start()
	t.Cleanup(q.Stop)
	return q
}

func receiver(id string) AgentID {
	return AgentID{Kind: AgentWorker, ID: id}
}

// waitForEvent blocks until an event of the given type for the given
// message arrives or the timeout fires.
func waitForEvent(t *testing.T, events <-chan Event, eventType EventType, messageID string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", eventType)
			}
			if ev.Type == eventType && (messageID == "" || ev.Message.ID == messageID) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t, Config{})

	_, err := q.Enqueue(EnqueueOptions{Receiver: receiver("r")})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = q.Enqueue(EnqueueOptions{Type: TypeStatusUpdate})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = q.Enqueue(EnqueueOptions{Type: TypeStatusUpdate, Receiver: receiver("r"), Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t, Config{})

	for _, priority := range []Priority{PriorityLow, PriorityCritical, PriorityNormal, PriorityHigh} {
		_, err := q.Enqueue(EnqueueOptions{
			Type:     TypeStatusUpdate,
			Priority: priority,
			Receiver: receiver("r"),
			Content:  StatusUpdate(string(priority), ""),
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	q.RegisterHandler("r", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		order = append(order, msg.Content.StatusUpdate.Status)
		if len(order) == 4 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages were not all delivered")
	}
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, order)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := newTestQueue(t, Config{})

	for _, label := range []string{"first", "second", "third"} {
		_, err := q.Enqueue(EnqueueOptions{
			Type:     TypeStatusUpdate,
			Receiver: receiver("r"),
			Content:  StatusUpdate(label, ""),
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	q.RegisterHandler("r", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		order = append(order, msg.Content.StatusUpdate.Status)
		if len(order) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages were not all delivered")
	}
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRetryThenFail(t *testing.T) {
	q := newTestQueue(t, Config{})
	events, unsub := q.Subscribe()
	defer unsub()

	var mu sync.Mutex
	calls := 0
	q.RegisterHandler("r", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("handler always fails")
	})

	start := time.Now()
	msg, err := q.Enqueue(EnqueueOptions{
		Type:            TypeStatusUpdate,
		Receiver:        receiver("r"),
		Content:         StatusUpdate("working", ""),
		DeliveryOptions: &DeliveryOptions{RetryCount: 2, TTL: DurationMillis(time.Minute)},
	})
	require.NoError(t, err)

	waitForEvent(t, events, EventFailed, msg.ID, 10*time.Second)
	elapsed := time.Since(start)

	mu.Lock()
	assert.Equal(t, 3, calls, "retryCount=2 means 3 attempts")
	mu.Unlock()
	assert.Equal(t, StatusFailed, msg.Status)
	// Backoffs of 1s and 2s separate the three attempts.
	assert.GreaterOrEqual(t, elapsed, 2400*time.Millisecond)
	assert.Equal(t, int64(1), q.Metrics().TotalFailed)
}

func TestRetryCountZeroFailsImmediately(t *testing.T) {
	q := newTestQueue(t, Config{})
	events, unsub := q.Subscribe()
	defer unsub()

	var mu sync.Mutex
	calls := 0
	q.RegisterHandler("r", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("nope")
	})

	msg, err := q.Enqueue(EnqueueOptions{
		Type:            TypeStatusUpdate,
		Receiver:        receiver("r"),
		Content:         StatusUpdate("x", ""),
		DeliveryOptions: &DeliveryOptions{RetryCount: 0, TTL: DurationMillis(time.Minute)},
	})
	require.NoError(t, err)

	waitForEvent(t, events, EventFailed, msg.ID, 5*time.Second)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestZeroTTLExpiresWithoutDelivery(t *testing.T) {
	q := newTestQueue(t, Config{})
	events, unsub := q.Subscribe()
	defer unsub()

	delivered := false
	q.RegisterHandler("r", func(ctx context.Context, msg *Message) error {
		delivered = true
		return nil
	})

	msg, err := q.Enqueue(EnqueueOptions{
		Type:            TypeStatusUpdate,
		Receiver:        receiver("r"),
		Content:         StatusUpdate("x", ""),
		DeliveryOptions: &DeliveryOptions{TTL: 0},
	})
	require.NoError(t, err)

	waitForEvent(t, events, EventExpired, msg.ID, 5*time.Second)
	assert.False(t, delivered, "expired message must not reach the handler")
	assert.Equal(t, int64(1), q.Metrics().TotalExpired)
}

func TestQueueFull(t *testing.T) {
	q := newTestQueue(t, Config{MaxSize: 2})

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(EnqueueOptions{
			Type:     TypeStatusUpdate,
			Receiver: receiver("nobody"),
			Content:  StatusUpdate("x", ""),
		})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(EnqueueOptions{
		Type:     TypeStatusUpdate,
		Receiver: receiver("nobody"),
		Content:  StatusUpdate("x", ""),
	})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestCancelIdempotent(t *testing.T) {
	q := newTestQueue(t, Config{})

	msg, err := q.Enqueue(EnqueueOptions{
		Type:     TypeStatusUpdate,
		Receiver: receiver("nobody"),
		Content:  StatusUpdate("x", ""),
	})
	require.NoError(t, err)

	assert.True(t, q.Cancel(msg.ID))
	assert.False(t, q.Cancel(msg.ID))
	assert.False(t, q.Cancel(msg.ID))
	assert.Equal(t, 0, q.Metrics().QueueDepth)
}

func TestAcknowledge(t *testing.T) {
	q := newTestQueue(t, Config{})
	events, unsub := q.Subscribe()
	defer unsub()

	q.RegisterHandler("r", func(ctx context.Context, msg *Message) error { return nil })

	msg, err := q.Enqueue(EnqueueOptions{
		Type:     TypeQuestion,
		Receiver: receiver("r"),
		Content:  Content{Kind: TypeQuestion, Question: &QuestionContent{Question: "ready?"}},
		DeliveryOptions: &DeliveryOptions{
			RequireAck: true,
			RetryCount: DefaultRetryCount,
			TTL:        DurationMillis(time.Minute),
		},
	})
	require.NoError(t, err)

	waitForEvent(t, events, EventDelivered, msg.ID, 5*time.Second)

	// Delivered with require-ack: out of the queue, in the pending map.
	metrics := q.Metrics()
	assert.Equal(t, 0, metrics.QueueDepth)
	assert.Equal(t, 1, metrics.PendingAck)

	require.NoError(t, q.Acknowledge(msg.ID, receiver("r"), true, ""))
	waitForEvent(t, events, EventAcknowledged, msg.ID, 5*time.Second)
	assert.Equal(t, StatusAcknowledged, msg.Status)
	assert.NotNil(t, msg.Metadata.AcknowledgedAt)

	// A second acknowledge is a stale call.
	assert.ErrorIs(t, q.Acknowledge(msg.ID, receiver("r"), true, ""), ErrNotAwaitingAck)
}

func TestAckTimeoutIsTerminal(t *testing.T) {
	q := newTestQueue(t, Config{})
	events, unsub := q.Subscribe()
	defer unsub()

	var mu sync.Mutex
	calls := 0
	q.RegisterHandler("r", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	msg, err := q.Enqueue(EnqueueOptions{
		Type:     TypeQuestion,
		Receiver: receiver("r"),
		Content:  Content{Kind: TypeQuestion, Question: &QuestionContent{Question: "?"}},
		DeliveryOptions: &DeliveryOptions{
			RequireAck: true,
			Timeout:    DurationMillis(50 * time.Millisecond),
			RetryCount: DefaultRetryCount,
			TTL:        DurationMillis(time.Minute),
		},
	})
	require.NoError(t, err)

	ev := waitForEvent(t, events, EventFailed, msg.ID, 5*time.Second)
	assert.Equal(t, "ack-timeout", ev.Message.Metadata.LastError)
	mu.Lock()
	assert.Equal(t, 1, calls, "ack timeout must not redeliver")
	mu.Unlock()
}

func TestHandlerPanicIsRetriedAsError(t *testing.T) {
	q := newTestQueue(t, Config{})
	events, unsub := q.Subscribe()
	defer unsub()

	q.RegisterHandler("r", func(ctx context.Context, msg *Message) error {
		panic("boom")
	})

	msg, err := q.Enqueue(EnqueueOptions{
		Type:            TypeStatusUpdate,
		Receiver:        receiver("r"),
		Content:         StatusUpdate("x", ""),
		DeliveryOptions: &DeliveryOptions{RetryCount: 0, TTL: DurationMillis(time.Minute)},
	})
	require.NoError(t, err)

	ev := waitForEvent(t, events, EventFailed, msg.ID, 5*time.Second)
	assert.Contains(t, ev.Message.Metadata.LastError, "handler panic")
}

func TestDeliveryMetrics(t *testing.T) {
	q := newTestQueue(t, Config{})
	events, unsub := q.Subscribe()
	defer unsub()

	q.RegisterHandler("r", func(ctx context.Context, msg *Message) error { return nil })

	msg, err := q.Enqueue(EnqueueOptions{
		Type:     TypeStatusUpdate,
		Receiver: receiver("r"),
		Content:  StatusUpdate("x", ""),
	})
	require.NoError(t, err)
	waitForEvent(t, events, EventDelivered, msg.ID, 5*time.Second)

	metrics := q.Metrics()
	assert.Equal(t, int64(1), metrics.TotalEnqueued)
	assert.Equal(t, int64(1), metrics.TotalDelivered)
	assert.GreaterOrEqual(t, msg.Metadata.DeliveryAttempts, 1)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "queue-state.json")
	log, _ := logger.New(logger.Config{Level: "error", Format: "json"})

	q, err := New(Config{StatePath: statePath}, log)
	require.NoError(t, err)
	q.Start()

	msg, err := q.Enqueue(EnqueueOptions{
		Type:     TypeStatusUpdate,
		Priority: PriorityHigh,
		Receiver: receiver("later"),
		Content:  StatusUpdate("queued", "waiting for a handler"),
	})
	require.NoError(t, err)

	expired, err := q.Enqueue(EnqueueOptions{
		Type:            TypeHeartbeat,
		Receiver:        receiver("later"),
		Content:         Content{Kind: TypeHeartbeat, Heartbeat: &HeartbeatContent{Sequence: 1}},
		DeliveryOptions: &DeliveryOptions{TTL: DurationMillis(time.Millisecond)},
	})
	require.NoError(t, err)
	q.Stop()

	time.Sleep(5 * time.Millisecond)

	restored, err := New(Config{StatePath: statePath}, log)
	require.NoError(t, err)
	restored.Start()
	defer restored.Stop()

	got, ok := restored.GetMessage(msg.ID)
	require.True(t, ok, "live message must survive a restart")
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, PriorityHigh, got.Priority)
	assert.Equal(t, "queued", got.Content.StatusUpdate.Status)
	assert.Equal(t, "waiting for a handler", got.Content.StatusUpdate.Detail)

	_, ok = restored.GetMessage(expired.ID)
	assert.False(t, ok, "expired message must be dropped on restore")
}

func TestUnknownContentKindSurvivesRoundTrip(t *testing.T) {
	raw := []byte(`{"kind":"telemetry","payload":{"cpu":0.5,"tags":["a","b"]}}`)

	var content Content
	require.NoError(t, content.UnmarshalJSON(raw))
	assert.Equal(t, MessageType("telemetry"), content.Kind)
	assert.JSONEq(t, `{"cpu":0.5,"tags":["a","b"]}`, string(content.Raw))

	out, err := content.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestUnregisterStopsDelivery(t *testing.T) {
	q := newTestQueue(t, Config{})

	delivered := make(chan struct{}, 4)
	unregister := q.RegisterHandler("r", func(ctx context.Context, msg *Message) error {
		delivered <- struct{}{}
		return nil
	})
	unregister()

	_, err := q.Enqueue(EnqueueOptions{
		Type:     TypeStatusUpdate,
		Receiver: receiver("r"),
		Content:  StatusUpdate("x", ""),
	})
	require.NoError(t, err)

	select {
	case <-delivered:
		t.Fatal("message delivered after unregister")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 1, q.Metrics().QueueDepth, "message stays queued without a handler")
}
