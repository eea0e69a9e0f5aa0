package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// Handler consumes messages addressed to a registered agent id. A nil
// return marks the message delivered; an error triggers the retry loop.
type Handler func(ctx context.Context, msg *Message) error

// Config tunes a queue instance.
type Config struct {
	// MaxSize caps the number of queued messages; Enqueue rejects with
	// ErrQueueFull beyond it.
	MaxSize int
	// StatePath is the JSON state file. Empty disables persistence.
	StatePath string
	// CleanupInterval is the period of the TTL sweep.
	CleanupInterval time.Duration
}

const (
	DefaultMaxSize         = 1000
	DefaultCleanupInterval = 60 * time.Second
	maxBackoff             = 30 * time.Second
)

func (c *Config) withDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
}

type pendingAck struct {
	msg   *Message
	timer *time.Timer
}

// Queue is the priority message queue. A single dispatcher goroutine is
// the only consumer of the per-priority FIFOs; public entry points
// mutate state under the mutex and wake the dispatcher.
type Queue struct {
	cfg     Config
	logger  *logger.Logger
	emitter *emitter

	mu        sync.Mutex
	buckets   map[Priority][]*Message
	ack       map[string]*pendingAck
	handlers  map[string]Handler
	processed map[string]struct{}
	history   map[string]*Message
	counters  counters

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New creates a queue and restores persisted state. Messages whose TTL
// elapsed while the process was down are dropped silently.
func New(cfg Config, log *logger.Logger) (*Queue, error) {
	cfg.withDefaults()
	if log == nil {
		log = logger.Default()
	}

	q := &Queue{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "message-queue")),
		emitter:   newEmitter(),
		buckets:   make(map[Priority][]*Message),
		ack:       make(map[string]*pendingAck),
		handlers:  make(map[string]Handler),
		processed: make(map[string]struct{}),
		history:   make(map[string]*Message),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}

	if cfg.StatePath != "" {
		state, err := loadState(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		q.restore(state)
	}
	return q, nil
}

func (q *Queue) restore(state *stateFile) {
	now := time.Now()
	restored := 0
	for _, msg := range state.Messages {
		if msg.Expired(now) {
			continue
		}
		msg.Status = StatusPending
		q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
		q.history[msg.ID] = msg
		restored++
	}
	for _, id := range state.ProcessedIDs {
		q.processed[id] = struct{}{}
	}
	q.counters = state.Metrics
	if restored > 0 {
		q.logger.Info("restored queued messages", zap.Int("count", restored))
	}
}

// Start launches the dispatcher and the periodic TTL sweep.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run()
}

// Stop halts the dispatcher, cancels acknowledgment timers, and persists
// the final state.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()

	q.mu.Lock()
	for id, pa := range q.ack {
		pa.timer.Stop()
		delete(q.ack, id)
	}
	q.mu.Unlock()

	q.persist()
	q.emitter.close()
}

// Subscribe returns a channel of queue lifecycle events and a detach
// function. Slow subscribers lose their oldest events.
func (q *Queue) Subscribe() (<-chan Event, func()) {
	return q.emitter.subscribe()
}

// Enqueue validates options, builds the message, appends it to its
// priority FIFO, and wakes the dispatcher.
func (q *Queue) Enqueue(opts EnqueueOptions) (*Message, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	delivery := DefaultDeliveryOptions()
	if opts.DeliveryOptions != nil {
		delivery = *opts.DeliveryOptions
		if delivery.Timeout <= 0 {
			delivery.Timeout = DurationMillis(DefaultAckTimeout)
		}
	}
	content := opts.Content
	if content.Kind == "" {
		content.Kind = opts.Type
	}

	msg := &Message{
		ID:       uuid.NewString(),
		Type:     opts.Type,
		Priority: priority,
		Status:   StatusPending,
		Sender:   opts.Sender,
		Receiver: opts.Receiver,
		Content:  content,
		Metadata: Metadata{
			CreatedAt:     TimeMillis(time.Now().UTC()),
			CorrelationID: opts.CorrelationID,
			TraceID:       opts.TraceID,
		},
		DeliveryOptions: delivery,
		PlanID:          opts.PlanID,
		TaskID:          opts.TaskID,
		SubtaskID:       opts.SubtaskID,
		Depth:           opts.Depth,
	}

	q.mu.Lock()
	if q.depthLocked() >= q.cfg.MaxSize {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %d messages", ErrQueueFull, q.cfg.MaxSize)
	}
	q.buckets[priority] = append(q.buckets[priority], msg)
	q.history[msg.ID] = msg
	q.counters.Enqueued++
	q.mu.Unlock()

	q.persist()
	q.emitter.emit(EventEnqueued, msg)
	q.wakeDispatcher()
	return msg, nil
}

// RegisterHandler installs a handler for an agent id and rescans the
// queue for pending messages addressed to it. The returned function
// unregisters the handler.
func (q *Queue) RegisterHandler(agentID string, handler Handler) func() {
	q.mu.Lock()
	q.handlers[agentID] = handler
	q.mu.Unlock()
	q.wakeDispatcher()

	return func() {
		q.mu.Lock()
		delete(q.handlers, agentID)
		q.mu.Unlock()
	}
}

// Acknowledge resolves a message awaiting acknowledgment. It is valid
// only while the ack timer runs; anything else is ErrNotAwaitingAck.
func (q *Queue) Acknowledge(messageID string, acknowledger AgentID, success bool, errMsg string) error {
	q.mu.Lock()
	pa, ok := q.ack[messageID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAwaitingAck, messageID)
	}
	pa.timer.Stop()
	delete(q.ack, messageID)

	now := TimeMillis(time.Now().UTC())
	if success {
		pa.msg.Status = StatusAcknowledged
		pa.msg.Metadata.AcknowledgedAt = &now
	} else {
		pa.msg.Status = StatusFailed
		pa.msg.Metadata.LastError = errMsg
		q.counters.Failed++
	}
	q.processed[messageID] = struct{}{}
	q.mu.Unlock()

	q.persist()
	q.emitter.emit(EventAcknowledged, pa.msg)
	q.logger.Debug("message acknowledged",
		zap.String("message_id", messageID),
		zap.String("acknowledger", acknowledger.ID),
		zap.Bool("success", success))
	return nil
}

// Cancel removes a message from the queue or the pending-ack map.
// Idempotent: the first call returns true, every later call false.
func (q *Queue) Cancel(messageID string) bool {
	q.mu.Lock()
	removed := false
	for priority, bucket := range q.buckets {
		for i, msg := range bucket {
			if msg.ID == messageID {
				q.buckets[priority] = append(bucket[:i], bucket[i+1:]...)
				removed = true
				break
			}
		}
		if removed {
			break
		}
	}
	if !removed {
		if pa, ok := q.ack[messageID]; ok {
			pa.timer.Stop()
			delete(q.ack, messageID)
			removed = true
		}
	}
	if removed {
		q.processed[messageID] = struct{}{}
	}
	q.mu.Unlock()

	if removed {
		q.persist()
	}
	return removed
}

// GetMessage looks a message up in the process-lifetime history map.
func (q *Queue) GetMessage(messageID string) (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.history[messageID]
	return msg, ok
}

// Metrics returns a point-in-time snapshot.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[Priority]int, len(priorityOrder))
	total := 0
	for _, priority := range priorityOrder {
		n := len(q.buckets[priority])
		depths[priority] = n
		total += n
	}
	return Metrics{
		TotalEnqueued:     q.counters.Enqueued,
		TotalDelivered:    q.counters.Delivered,
		TotalFailed:       q.counters.Failed,
		TotalExpired:      q.counters.Expired,
		QueueDepth:        total,
		DepthByPriority:   depths,
		PendingAck:        len(q.ack),
		AvgDeliveryMillis: q.counters.AvgDeliveryMillis,
	}
}

// Clear drops all queued and pending-ack messages. Testing escape hatch.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.buckets = make(map[Priority][]*Message)
	for id, pa := range q.ack {
		pa.timer.Stop()
		delete(q.ack, id)
	}
	q.mu.Unlock()
	q.persist()
}

func (q *Queue) depthLocked() int {
	total := 0
	for _, bucket := range q.buckets {
		total += len(bucket)
	}
	return total
}

func (q *Queue) wakeDispatcher() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		q.dispatch()
		select {
		case <-q.stop:
			return
		case <-q.wake:
		case <-ticker.C:
			q.sweep()
		}
	}
}

// dispatch drains the queue head-first. It stops when the queue is empty
// or the highest-priority head has no registered handler; that message
// stays queued until a handler arrives or its TTL expires.
func (q *Queue) dispatch() {
	for {
		select {
		case <-q.stop:
			return
		default:
		}

		q.mu.Lock()
		var (
			msg      *Message
			priority Priority
		)
		for _, p := range priorityOrder {
			if bucket := q.buckets[p]; len(bucket) > 0 {
				msg = bucket[0]
				priority = p
				break
			}
		}
		if msg == nil {
			q.mu.Unlock()
			return
		}

		if msg.Expired(time.Now()) {
			q.buckets[priority] = q.buckets[priority][1:]
			msg.Status = StatusExpired
			q.counters.Expired++
			q.processed[msg.ID] = struct{}{}
			q.mu.Unlock()
			q.persist()
			q.emitter.emit(EventExpired, msg)
			continue
		}

		handler, ok := q.handlers[msg.Receiver.ID]
		if !ok {
			q.mu.Unlock()
			return
		}
		q.buckets[priority] = q.buckets[priority][1:]
		q.mu.Unlock()

		q.deliver(msg, handler)
	}
}

// deliver runs the retry loop for one message. After the n-th failed
// attempt it sleeps min(1s·2^(n−1), 30s) and retries while n has not
// exceeded the configured retry count.
func (q *Queue) deliver(msg *Message, handler Handler) {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		msg.Metadata.DeliveryAttempts = attempt
		err := invokeHandler(handler, msg)
		if err == nil {
			q.markDelivered(msg, time.Since(start))
			return
		}
		msg.Metadata.LastError = err.Error()

		if attempt > msg.DeliveryOptions.RetryCount {
			q.markFailed(msg)
			return
		}
		q.logger.Debug("delivery failed, retrying",
			zap.String("message_id", msg.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-time.After(backoffDelay(attempt)):
		case <-q.stop:
			return
		}
	}
}

func invokeHandler(handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(context.Background(), msg)
}

// backoffDelay returns min(1s·2^(n−1), 30s) for attempt n.
func backoffDelay(attempt int) time.Duration {
	delay := time.Second << (attempt - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	return delay
}

func (q *Queue) markDelivered(msg *Message, elapsed time.Duration) {
	now := TimeMillis(time.Now().UTC())

	q.mu.Lock()
	msg.Status = StatusDelivered
	msg.Metadata.DeliveredAt = &now
	q.counters.recordDelivery(float64(elapsed.Microseconds()) / 1000.0)
	if msg.DeliveryOptions.RequireAck {
		timeout := msg.DeliveryOptions.Timeout.Duration()
		id := msg.ID
		q.ack[id] = &pendingAck{
			msg:   msg,
			timer: time.AfterFunc(timeout, func() { q.ackTimedOut(id) }),
		}
	} else {
		q.processed[msg.ID] = struct{}{}
	}
	q.mu.Unlock()

	q.persist()
	q.emitter.emit(EventDelivered, msg)
}

func (q *Queue) markFailed(msg *Message) {
	q.mu.Lock()
	msg.Status = StatusFailed
	q.counters.Failed++
	q.processed[msg.ID] = struct{}{}
	q.mu.Unlock()

	q.persist()
	q.emitter.emit(EventFailed, msg)
	q.logger.Warn("message delivery failed",
		zap.String("message_id", msg.ID),
		zap.Int("attempts", msg.Metadata.DeliveryAttempts),
		zap.String("error", msg.Metadata.LastError))
}

// ackTimedOut fires when a delivered message was not acknowledged within
// its timeout. Terminal: the timeout does not count toward retries.
func (q *Queue) ackTimedOut(messageID string) {
	q.mu.Lock()
	pa, ok := q.ack[messageID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.ack, messageID)
	pa.msg.Status = StatusFailed
	pa.msg.Metadata.LastError = "ack-timeout"
	q.counters.Failed++
	q.processed[messageID] = struct{}{}
	q.mu.Unlock()

	q.persist()
	q.emitter.emit(EventFailed, pa.msg)
	q.logger.Warn("acknowledgment timed out", zap.String("message_id", messageID))
}

// sweep expires messages past their TTL in both the queue and the
// pending-ack map.
func (q *Queue) sweep() {
	now := time.Now()
	var expired []*Message

	q.mu.Lock()
	for priority, bucket := range q.buckets {
		kept := bucket[:0]
		for _, msg := range bucket {
			if msg.Expired(now) {
				msg.Status = StatusExpired
				q.counters.Expired++
				q.processed[msg.ID] = struct{}{}
				expired = append(expired, msg)
			} else {
				kept = append(kept, msg)
			}
		}
		q.buckets[priority] = kept
	}
	for id, pa := range q.ack {
		if pa.msg.Expired(now) {
			pa.timer.Stop()
			delete(q.ack, id)
			pa.msg.Status = StatusExpired
			q.counters.Expired++
			q.processed[id] = struct{}{}
			expired = append(expired, pa.msg)
		}
	}
	q.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	q.persist()
	for _, msg := range expired {
		q.emitter.emit(EventExpired, msg)
	}
	q.logger.Debug("expired messages swept", zap.Int("count", len(expired)))
}

// persist is best-effort; a failed write is logged, never fatal.
func (q *Queue) persist() {
	if q.cfg.StatePath == "" {
		return
	}

	q.mu.Lock()
	state := &stateFile{SchemaVersion: stateSchemaVersion, Metrics: q.counters}
	for _, priority := range priorityOrder {
		state.Messages = append(state.Messages, q.buckets[priority]...)
	}
	for _, pa := range q.ack {
		state.Messages = append(state.Messages, pa.msg)
	}
	state.ProcessedIDs = make([]string, 0, len(q.processed))
	for id := range q.processed {
		state.ProcessedIDs = append(state.ProcessedIDs, id)
	}
	q.mu.Unlock()

	if err := saveState(q.cfg.StatePath, state); err != nil {
		q.logger.Error("failed to persist queue state", zap.Error(err))
	}
}
