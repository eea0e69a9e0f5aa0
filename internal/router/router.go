package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/common/tracing"
	"github.com/agentfleet/agentfleet/internal/queue"
)

// maxTraces bounds the in-memory route history; the oldest record is
// evicted when a new send would exceed it.
const maxTraces = 256

// Config tunes a router instance.
type Config struct {
	// TracingEnabled records a RouteRecord per sent message (the last
	// maxTraces are kept).
	TracingEnabled bool
}

type subscription struct {
	filter   SubscriptionFilter
	callback func(*queue.Message)
}

// Router applies routing rules and dispatches through the queue.
type Router struct {
	queue  *queue.Queue
	logger *logger.Logger
	cfg    Config
	tracer oteltrace.Tracer

	mu         sync.RWMutex
	rules      []*Rule
	subs       map[int]*subscription
	nextSub    int
	traces     map[string]*RouteRecord
	traceOrder []string
	dropped    int64

	unsubscribe func()
	done        chan struct{}
}

// New creates a router bound to a queue. When tracing is enabled it
// listens to the queue's delivered/failed events to close traces.
func New(q *queue.Queue, cfg Config, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	r := &Router{
		queue:  q,
		logger: log.WithFields(zap.String("component", "message-router")),
		cfg:    cfg,
		tracer: tracing.Tracer("message-router"),
		subs:   make(map[int]*subscription),
		traces: make(map[string]*RouteRecord),
		done:   make(chan struct{}),
	}
	if cfg.TracingEnabled {
		events, unsub := q.Subscribe()
		r.unsubscribe = unsub
		go r.consumeQueueEvents(events)
	} else {
		close(r.done)
	}
	return r
}

// Close detaches the router from the queue's event stream.
func (r *Router) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		<-r.done
	}
}

// AddRule registers a rule. A missing id is assigned.
func (r *Router) AddRule(rule Rule) *Rule {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := rule
	r.rules = append(r.rules, &stored)
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].Priority > r.rules[j].Priority
	})
	return &stored
}

// RemoveRule deletes a rule by id.
func (r *Router) RemoveRule(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rule := range r.rules {
		if rule.ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetRuleEnabled toggles a rule.
func (r *Router) SetRuleEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range r.rules {
		if rule.ID == id {
			rule.Enabled = enabled
			return true
		}
	}
	return false
}

// Rules returns the rules in evaluation order.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, *rule)
	}
	return out
}

// Dropped returns the number of sends short-circuited by drop rules.
func (r *Router) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Send applies enabled rules in descending priority, then enqueues. A
// drop rule short-circuits: the returned message carries status failed
// and the queue is never touched. Subscribers are notified after a
// successful enqueue, not after delivery. The message's metadata trace
// id is taken from the active span unless the caller set one.
func (r *Router) Send(ctx context.Context, opts queue.EnqueueOptions) (*queue.Message, error) {
	ctx, span := r.tracer.Start(ctx, "router.send", oteltrace.WithAttributes(
		attribute.String("message.type", string(opts.Type)),
		attribute.String("message.receiver", opts.Receiver.ID),
	))
	defer span.End()
	if opts.TraceID == "" {
		opts.TraceID = tracing.TraceID(ctx)
	}

	r.mu.RLock()
	rules := make([]*Rule, len(r.rules))
	copy(rules, r.rules)
	r.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled || !r.ruleMatches(rule, &opts) {
			continue
		}
		switch rule.Action {
		case ActionDrop:
			return r.drop(rule, opts), nil
		case ActionRoute:
			if rule.TargetAgentID != "" {
				opts.Receiver.ID = rule.TargetAgentID
			}
		case ActionTransform:
			if rule.Transform != nil {
				content, priority := rule.Transform(opts)
				opts.Content = content
				if priority != "" {
					opts.Priority = priority
				}
			}
		case ActionDelay:
			delivery := queue.DefaultDeliveryOptions()
			if opts.DeliveryOptions != nil {
				delivery = *opts.DeliveryOptions
			}
			delivery.Timeout += queue.DurationMillis(rule.Delay)
			opts.DeliveryOptions = &delivery
		case ActionBroadcast:
			// Broadcast is explicit-only via the Broadcast API.
		}
	}

	msg, err := r.queue.Enqueue(opts)
	if err != nil {
		return nil, err
	}

	if r.cfg.TracingEnabled {
		r.startTrace(msg)
	}
	r.notifySubscribers(msg)
	return msg, nil
}

// Broadcast sends a copy of the message to every recipient id.
func (r *Router) Broadcast(ctx context.Context, opts queue.EnqueueOptions, recipientIDs []string) ([]*queue.Message, error) {
	var (
		messages []*queue.Message
		errs     []error
	)
	for _, id := range recipientIDs {
		perRecipient := opts
		perRecipient.Receiver = queue.AgentID{Kind: opts.Receiver.Kind, ID: id}
		if perRecipient.Receiver.Kind == "" {
			perRecipient.Receiver.Kind = queue.AgentWorker
		}
		msg, err := r.Send(ctx, perRecipient)
		if err != nil {
			errs = append(errs, fmt.Errorf("broadcast to %s: %w", id, err))
			continue
		}
		messages = append(messages, msg)
	}
	return messages, errors.Join(errs...)
}

// Subscribe registers a fan-out callback notified after successful
// sends. The returned function unsubscribes.
func (r *Router) Subscribe(filter SubscriptionFilter, callback func(*queue.Message)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = &subscription{filter: filter, callback: callback}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Trace returns the route record for a message, if tracing recorded one.
func (r *Router) Trace(messageID string) (*RouteRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	trace, ok := r.traces[messageID]
	if !ok {
		return nil, false
	}
	copied := *trace
	copied.Hops = append([]Hop(nil), trace.Hops...)
	return &copied, true
}

// drop builds the synthetic failed message for a short-circuited send.
func (r *Router) drop(rule *Rule, opts queue.EnqueueOptions) *queue.Message {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()

	priority := opts.Priority
	if priority == "" {
		priority = queue.PriorityNormal
	}
	r.logger.Debug("message dropped by rule",
		zap.String("rule", rule.Name),
		zap.String("receiver", opts.Receiver.ID))
	return &queue.Message{
		ID:       uuid.NewString(),
		Type:     opts.Type,
		Priority: priority,
		Status:   queue.StatusFailed,
		Sender:   opts.Sender,
		Receiver: opts.Receiver,
		Content:  opts.Content,
		Metadata: queue.Metadata{
			CreatedAt: queue.TimeMillis(time.Now().UTC()),
			LastError: fmt.Sprintf("dropped by rule %q", rule.Name),
		},
		DeliveryOptions: queue.DefaultDeliveryOptions(),
		PlanID:          opts.PlanID,
		TaskID:          opts.TaskID,
	}
}

func (r *Router) ruleMatches(rule *Rule, opts *queue.EnqueueOptions) bool {
	if len(rule.MessageTypes) > 0 && !containsType(rule.MessageTypes, opts.Type) {
		return false
	}
	if !matchPattern(rule.SourcePattern, opts.Sender.ID) {
		return false
	}
	if !matchPattern(rule.DestinationPattern, opts.Receiver.ID) {
		return false
	}
	priority := opts.Priority
	if priority == "" {
		priority = queue.PriorityNormal
	}
	if len(rule.PriorityFilter) > 0 && !containsPriority(rule.PriorityFilter, priority) {
		return false
	}
	if len(rule.PlanIDFilter) > 0 && !containsString(rule.PlanIDFilter, opts.PlanID) {
		return false
	}
	return true
}

func (r *Router) subscriptionMatches(filter *SubscriptionFilter, msg *queue.Message) bool {
	if len(filter.MessageTypes) > 0 && !containsType(filter.MessageTypes, msg.Type) {
		return false
	}
	if !matchPattern(filter.SourcePattern, msg.Sender.ID) {
		return false
	}
	if !matchPattern(filter.DestinationPattern, msg.Receiver.ID) {
		return false
	}
	if len(filter.PriorityFilter) > 0 && !containsPriority(filter.PriorityFilter, msg.Priority) {
		return false
	}
	if len(filter.PlanIDFilter) > 0 && !containsString(filter.PlanIDFilter, msg.PlanID) {
		return false
	}
	if len(filter.SenderFilter) > 0 && !containsString(filter.SenderFilter, msg.Sender.ID) {
		return false
	}
	return true
}

// notifySubscribers runs callbacks synchronously; a panicking subscriber
// is logged and never affects the others.
func (r *Router) notifySubscribers(msg *queue.Message) {
	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		if !r.subscriptionMatches(&sub.filter, msg) {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("subscriber callback panicked",
						zap.String("message_id", msg.ID),
						zap.Any("panic", rec))
				}
			}()
			sub.callback(msg)
		}()
	}
}

func (r *Router) startTrace(msg *queue.Message) {
	now := time.Now().UTC()
	r.mu.Lock()
	if len(r.traceOrder) >= maxTraces {
		delete(r.traces, r.traceOrder[0])
		r.traceOrder = r.traceOrder[1:]
	}
	r.traceOrder = append(r.traceOrder, msg.ID)
	r.traces[msg.ID] = &RouteRecord{
		MessageID:   msg.ID,
		Source:      msg.Sender.ID,
		Destination: msg.Receiver.ID,
		Hops: []Hop{{
			AgentID:   msg.Sender.ID,
			Timestamp: now,
			Action:    "enqueued",
		}},
		Status:    RouteActive,
		CreatedAt: now,
	}
	r.mu.Unlock()
}

// consumeQueueEvents appends the terminal hop when the queue reports the
// message delivered or failed.
func (r *Router) consumeQueueEvents(events <-chan queue.Event) {
	defer close(r.done)
	for ev := range events {
		var (
			status RouteStatus
			action string
		)
		switch ev.Type {
		case queue.EventDelivered:
			status, action = RouteCompleted, "delivered"
		case queue.EventFailed, queue.EventExpired:
			status, action = RouteFailed, string(ev.Type)
		default:
			continue
		}

		r.mu.Lock()
		trace, ok := r.traces[ev.Message.ID]
		if ok && trace.Status == RouteActive {
			completed := ev.Timestamp
			trace.Hops = append(trace.Hops, Hop{
				AgentID:   ev.Message.Receiver.ID,
				Timestamp: completed,
				Action:    action,
				Duration:  completed.Sub(trace.CreatedAt),
			})
			trace.Status = status
			trace.CompletedAt = &completed
		}
		r.mu.Unlock()
	}
}

// matchPattern implements `*`, `prefix*`, `*suffix`, and exact matching.
// An empty pattern passes.
func matchPattern(pattern, value string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(value, strings.TrimPrefix(pattern, "*"))
	default:
		return pattern == value
	}
}

func containsType(list []queue.MessageType, v queue.MessageType) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsPriority(list []queue.Priority, v queue.Priority) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
