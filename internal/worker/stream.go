package worker

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// replayCapacity bounds the buffer that holds parts while no real
	// sink is attached.
	replayCapacity = 1024
	// flushDebounce batches stream parts into the current assistant log
	// entry.
	flushDebounce = 50 * time.Millisecond
)

// Stream is the session's fan-out response sink. Every written part is
// forwarded to the attached UI sink (or buffered for replay), emitted as
// a stream event, and folded into the current assistant log entry via a
// debounced flush.
type Stream struct {
	session *Session

	mu        sync.Mutex
	sink      ResponseSink
	replay    []Part
	truncated bool

	currentID  string
	text       strings.Builder
	parts      []Part
	flushTimer *time.Timer
	started    bool
}

func newStream(session *Session) *Stream {
	return &Stream{session: session}
}

// WritePart forwards one response part. A no-op once the session is
// terminal.
func (s *Stream) WritePart(part Part) {
	if s.session.Status().Terminal() {
		return
	}

	s.mu.Lock()
	if !s.started {
		s.started = true
		s.session.emitter.emit(Event{
			Type:      EventStreamStarted,
			SessionID: s.session.ID,
		})
	}

	sink := s.sink
	if sink == nil {
		s.buffer(part)
	}

	if part.Type == PartMarkdown {
		s.text.WriteString(part.Text)
	}
	s.parts = append(s.parts, part)
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(flushDebounce, s.Flush)
	}
	s.mu.Unlock()

	if sink != nil {
		sink.WritePart(part)
	}
	s.session.emitter.emit(Event{
		Type:      EventStreamPart,
		SessionID: s.session.ID,
		Part:      &part,
	})
}

// buffer appends to the replay ring, dropping the oldest part on
// overflow and noting the truncation once.
func (s *Stream) buffer(part Part) {
	if len(s.replay) >= replayCapacity {
		s.replay = s.replay[1:]
		if !s.truncated {
			s.truncated = true
			s.replay = append(s.replay, Part{
				Type: PartWarning,
				Text: "response buffer overflowed; oldest parts were dropped",
			})
		}
	}
	s.replay = append(s.replay, part)
}

// AttachSink installs the real UI sink and drains the replay buffer into
// it in order. The drain happens under the lock so a concurrent
// WritePart cannot reach the sink ahead of older buffered parts.
func (s *Stream) AttachSink(sink ResponseSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, part := range s.replay {
		sink.WritePart(part)
	}
	s.replay = nil
	s.truncated = false
	s.sink = sink
}

// DetachSink removes the attached sink; later parts buffer again.
func (s *Stream) DetachSink() {
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

// Flush writes the accumulated parts into the current assistant log
// entry: a new entry on the first flush of a message, in-place updates
// after that.
func (s *Stream) Flush() {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if len(s.parts) == 0 {
		s.mu.Unlock()
		return
	}
	if s.currentID == "" {
		s.currentID = uuid.NewString()
	}
	id := s.currentID
	content := s.text.String()
	parts := append([]Part(nil), s.parts...)
	s.mu.Unlock()

	s.session.upsertAssistantEntry(id, content, parts)
}

// StartNewMessage flushes and resets the current-message state so the
// next part opens a fresh assistant entry.
func (s *Stream) StartNewMessage() {
	s.Flush()
	s.mu.Lock()
	s.currentID = ""
	s.text.Reset()
	s.parts = nil
	s.mu.Unlock()
}

// End flushes and emits the stream-ended event, closing the current
// message.
func (s *Stream) End() {
	s.StartNewMessage()
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		s.session.emitter.emit(Event{
			Type:      EventStreamEnded,
			SessionID: s.session.ID,
		})
	}
}
