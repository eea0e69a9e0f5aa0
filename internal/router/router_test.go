package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/queue"
)

func newTestRouter(t *testing.T, cfg Config) (*Router, *queue.Queue) {
	t.Helper()
	log, _ := logger.New(logger.Config{Level: "error", Format: "json"})
	q, err := queue.New(queue.Config{}, log)
	require.NoError(t, err)
	q.Start()
	t.Cleanup(q.Stop)

	r := New(q, cfg, log)
	t.Cleanup(r.Close)
	return r, q
}

func sendOptions(sender, recv string) queue.EnqueueOptions {
	return queue.EnqueueOptions{
		Type:     queue.TypeStatusUpdate,
		Sender:   queue.AgentID{Kind: queue.AgentWorker, ID: sender},
		Receiver: queue.AgentID{Kind: queue.AgentWorker, ID: recv},
		Content:  queue.StatusUpdate("working", ""),
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"worker-*", "worker-1", true},
		{"worker-*", "agent-1", false},
		{"*-reviewer", "code-reviewer", true},
		{"*-reviewer", "reviewer-code", false},
		{"exact", "exact", true},
		{"exact", "exacter", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPattern(tc.pattern, tc.value),
			"pattern %q against %q", tc.pattern, tc.value)
	}
}

func TestSendWithoutRules(t *testing.T) {
	r, q := newTestRouter(t, Config{})

	msg, err := r.Send(context.Background(), sendOptions("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, msg.Status)
	assert.Equal(t, 1, q.Metrics().QueueDepth)
}

func TestDropShortCircuits(t *testing.T) {
	r, q := newTestRouter(t, Config{})
	r.AddRule(Rule{
		Name:          "silence-heartbeats",
		Priority:      10,
		Enabled:       true,
		Action:        ActionDrop,
		SourcePattern: "noisy-*",
	})

	notified := false
	r.Subscribe(SubscriptionFilter{}, func(*queue.Message) { notified = true })

	msg, err := r.Send(context.Background(), sendOptions("noisy-worker", "b"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, msg.Status)
	assert.Contains(t, msg.Metadata.LastError, "silence-heartbeats")

	// No queue mutation and no subscriber fan-out for a dropped send.
	metrics := q.Metrics()
	assert.Equal(t, 0, metrics.QueueDepth)
	assert.Equal(t, int64(0), metrics.TotalEnqueued)
	assert.False(t, notified)
	assert.Equal(t, int64(1), r.Dropped())
}

func TestRouteRewritesReceiver(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	r.AddRule(Rule{
		Name:               "redirect",
		Enabled:            true,
		Action:             ActionRoute,
		DestinationPattern: "old-agent",
		TargetAgentID:      "new-agent",
	})

	msg, err := r.Send(context.Background(), sendOptions("a", "old-agent"))
	require.NoError(t, err)
	assert.Equal(t, "new-agent", msg.Receiver.ID)
}

func TestTransformRewritesContentAndPriority(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	r.AddRule(Rule{
		Name:    "escalate",
		Enabled: true,
		Action:  ActionTransform,
		Transform: func(opts queue.EnqueueOptions) (queue.Content, queue.Priority) {
			return queue.StatusUpdate("escalated", ""), queue.PriorityCritical
		},
	})

	msg, err := r.Send(context.Background(), sendOptions("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityCritical, msg.Priority)
	assert.Equal(t, "escalated", msg.Content.StatusUpdate.Status)
}

func TestDelayExtendsAckTimeout(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	r.AddRule(Rule{
		Name:    "slow-lane",
		Enabled: true,
		Action:  ActionDelay,
		Delay:   5 * time.Second,
	})

	msg, err := r.Send(context.Background(), sendOptions("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, queue.DefaultAckTimeout+5*time.Second, msg.DeliveryOptions.Timeout.Duration())
}

func TestRulesComposeInPriorityOrder(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	// Lower-priority drop never runs: the higher-priority route rule
	// rewrites the receiver first and the drop rule no longer matches.
	r.AddRule(Rule{
		Name:               "reroute-first",
		Priority:           100,
		Enabled:            true,
		Action:             ActionRoute,
		DestinationPattern: "doomed",
		TargetAgentID:      "saved",
	})
	r.AddRule(Rule{
		Name:               "drop-doomed",
		Priority:           1,
		Enabled:            true,
		Action:             ActionDrop,
		DestinationPattern: "doomed",
	})

	msg, err := r.Send(context.Background(), sendOptions("a", "doomed"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, msg.Status)
	assert.Equal(t, "saved", msg.Receiver.ID)
}

func TestDisabledRuleIgnored(t *testing.T) {
	r, q := newTestRouter(t, Config{})
	rule := r.AddRule(Rule{Name: "drop-all", Enabled: true, Action: ActionDrop})

	require.True(t, r.SetRuleEnabled(rule.ID, false))
	msg, err := r.Send(context.Background(), sendOptions("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, msg.Status)
	assert.Equal(t, 1, q.Metrics().QueueDepth)
}

func TestSubscriptionFiltering(t *testing.T) {
	r, _ := newTestRouter(t, Config{})

	var mu sync.Mutex
	var seen []string
	unsubscribe := r.Subscribe(SubscriptionFilter{
		SenderFilter: []string{"worker-1"},
	}, func(msg *queue.Message) {
		mu.Lock()
		seen = append(seen, msg.Sender.ID)
		mu.Unlock()
	})

	_, err := r.Send(context.Background(), sendOptions("worker-1", "b"))
	require.NoError(t, err)
	_, err = r.Send(context.Background(), sendOptions("worker-2", "b"))
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"worker-1"}, seen)
	mu.Unlock()

	unsubscribe()
	_, err = r.Send(context.Background(), sendOptions("worker-1", "b"))
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, seen, 1, "unsubscribed callback must not fire")
	mu.Unlock()
}

func TestSubscriberPanicIsolated(t *testing.T) {
	r, _ := newTestRouter(t, Config{})

	r.Subscribe(SubscriptionFilter{}, func(*queue.Message) { panic("bad subscriber") })
	called := false
	r.Subscribe(SubscriptionFilter{}, func(*queue.Message) { called = true })

	_, err := r.Send(context.Background(), sendOptions("a", "b"))
	require.NoError(t, err)
	assert.True(t, called, "healthy subscriber must still run")
}

func TestBroadcast(t *testing.T) {
	r, q := newTestRouter(t, Config{})

	messages, err := r.Broadcast(context.Background(), queue.EnqueueOptions{
		Type:    queue.TypeStatusUpdate,
		Sender:  queue.AgentID{Kind: queue.AgentOrchestrator, ID: "orchestrator"},
		Content: queue.StatusUpdate("plan-started", ""),
	}, []string{"worker-1", "worker-2", "worker-3"})
	require.NoError(t, err)
	require.Len(t, messages, 3)

	ids := map[string]bool{}
	for _, msg := range messages {
		ids[msg.Receiver.ID] = true
	}
	assert.True(t, ids["worker-1"] && ids["worker-2"] && ids["worker-3"])
	assert.Equal(t, 3, q.Metrics().QueueDepth)
}

func TestSendFillsTraceIDFromSpanContext(t *testing.T) {
	r, _ := newTestRouter(t, Config{})

	traceID, err := oteltrace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := oteltrace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := oteltrace.ContextWithSpanContext(context.Background(),
		oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: oteltrace.FlagsSampled,
		}))

	msg, err := r.Send(ctx, sendOptions("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, traceID.String(), msg.Metadata.TraceID)

	// A caller-supplied trace id wins over the span's.
	opts := sendOptions("a", "b")
	opts.TraceID = "external-trace"
	msg, err = r.Send(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, "external-trace", msg.Metadata.TraceID)
}

func TestSendWithoutSpanLeavesTraceIDEmpty(t *testing.T) {
	r, _ := newTestRouter(t, Config{})

	msg, err := r.Send(context.Background(), sendOptions("a", "b"))
	require.NoError(t, err)
	assert.Empty(t, msg.Metadata.TraceID)
}

func TestRouteHistoryBounded(t *testing.T) {
	r, _ := newTestRouter(t, Config{TracingEnabled: true})

	first, err := r.Send(context.Background(), sendOptions("a", "unhandled"))
	require.NoError(t, err)

	var last *queue.Message
	for i := 0; i < maxTraces; i++ {
		last, err = r.Send(context.Background(), sendOptions("a", "unhandled"))
		require.NoError(t, err)
	}

	_, ok := r.Trace(first.ID)
	assert.False(t, ok, "oldest trace must be evicted")
	_, ok = r.Trace(last.ID)
	assert.True(t, ok, "newest trace must be kept")
}

func TestRouteTraceCompletes(t *testing.T) {
	r, q := newTestRouter(t, Config{TracingEnabled: true})

	q.RegisterHandler("b", func(ctx context.Context, msg *queue.Message) error { return nil })
	msg, err := r.Send(context.Background(), sendOptions("a", "b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		trace, ok := r.Trace(msg.ID)
		return ok && trace.Status == RouteCompleted
	}, 5*time.Second, 10*time.Millisecond)

	trace, ok := r.Trace(msg.ID)
	require.True(t, ok)
	require.Len(t, trace.Hops, 2)
	assert.Equal(t, "enqueued", trace.Hops[0].Action)
	assert.Equal(t, "delivered", trace.Hops[1].Action)
	assert.Equal(t, "b", trace.Hops[1].AgentID)
	assert.NotNil(t, trace.CompletedAt)
}
