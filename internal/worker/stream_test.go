package worker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu    sync.Mutex
	parts []Part
}

func (c *captureSink) WritePart(part Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, part)
}

func (c *captureSink) snapshot() []Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Part(nil), c.parts...)
}

func markdown(text string) Part {
	return Part{Type: PartMarkdown, Text: text}
}

func TestReplayBufferDrainsOnAttach(t *testing.T) {
	s := newTestSession(t)
	stream := s.Stream()

	stream.WritePart(markdown("one "))
	stream.WritePart(markdown("two "))
	stream.WritePart(markdown("three"))

	sink := &captureSink{}
	stream.AttachSink(sink)

	parts := sink.snapshot()
	require.Len(t, parts, 3, "every buffered part forwarded exactly once")
	assert.Equal(t, "one ", parts[0].Text)
	assert.Equal(t, "two ", parts[1].Text)
	assert.Equal(t, "three", parts[2].Text)

	// Later parts go straight to the sink, not the buffer.
	stream.WritePart(markdown("four"))
	assert.Len(t, sink.snapshot(), 4)
}

// gatedSink blocks its first WritePart until the gate is released,
// holding the attach-time drain open.
type gatedSink struct {
	captureSink
	gate chan struct{}
	once sync.Once
}

func (g *gatedSink) WritePart(part Part) {
	g.once.Do(func() { <-g.gate })
	g.captureSink.WritePart(part)
}

func TestAttachSinkDrainOrderedAgainstConcurrentWrites(t *testing.T) {
	s := newTestSession(t)
	stream := s.Stream()

	stream.WritePart(markdown("one"))
	stream.WritePart(markdown("two"))

	sink := &gatedSink{gate: make(chan struct{})}
	attached := make(chan struct{})
	go func() {
		stream.AttachSink(sink)
		close(attached)
	}()

	// Write while the drain is parked on the gate; the part must land
	// after the buffered ones.
	written := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		stream.WritePart(markdown("three"))
		close(written)
	}()

	time.Sleep(50 * time.Millisecond)
	close(sink.gate)
	<-attached
	<-written

	parts := sink.snapshot()
	require.Len(t, parts, 3)
	assert.Equal(t, "one", parts[0].Text)
	assert.Equal(t, "two", parts[1].Text)
	assert.Equal(t, "three", parts[2].Text)
}

func TestReplayOverflowDropsOldestWithWarning(t *testing.T) {
	s := newTestSession(t)
	stream := s.Stream()

	for i := 0; i < replayCapacity+5; i++ {
		stream.WritePart(markdown(fmt.Sprintf("part-%d", i)))
	}

	sink := &captureSink{}
	stream.AttachSink(sink)
	parts := sink.snapshot()

	warnings := 0
	for _, part := range parts {
		if part.Type == PartWarning {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings, "one truncation warning")
	assert.NotEqual(t, "part-0", parts[0].Text, "oldest parts dropped")
	assert.Equal(t, fmt.Sprintf("part-%d", replayCapacity+4), parts[len(parts)-1].Text)
}

func TestDebouncedFlushIntoCurrentAssistantEntry(t *testing.T) {
	s := newTestSession(t)
	stream := s.Stream()

	stream.WritePart(markdown("Hello, "))
	stream.WritePart(markdown("world"))

	require.Eventually(t, func() bool {
		messages := s.Messages()
		last := messages[len(messages)-1]
		return last.Role == RoleAssistant && last.Content == "Hello, world"
	}, time.Second, 10*time.Millisecond)
	countAfterFirst := len(s.Messages())

	// More parts update the same entry in place.
	stream.WritePart(markdown("!"))
	stream.Flush()

	messages := s.Messages()
	assert.Equal(t, countAfterFirst, len(messages), "streaming updates, not appends")
	assert.Equal(t, "Hello, world!", messages[len(messages)-1].Content)
}

func TestStartNewMessageOpensFreshEntry(t *testing.T) {
	s := newTestSession(t)
	stream := s.Stream()

	stream.WritePart(markdown("first"))
	stream.StartNewMessage()
	stream.WritePart(markdown("second"))
	stream.Flush()

	messages := s.Messages()
	require.GreaterOrEqual(t, len(messages), 3)
	assert.Equal(t, "first", messages[len(messages)-2].Content)
	assert.Equal(t, "second", messages[len(messages)-1].Content)
	assert.NotEqual(t, messages[len(messages)-2].ID, messages[len(messages)-1].ID)
}

func TestStreamEventsOrder(t *testing.T) {
	s := newTestSession(t)
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	stream := s.Stream()
	stream.WritePart(markdown("a"))
	stream.WritePart(markdown("b"))
	stream.WritePart(markdown("c"))
	stream.End()

	var seen []EventType
	deadline := time.After(2 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != EventStreamEnded {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventStreamStarted, EventStreamPart, EventStreamEnded:
				seen = append(seen, ev.Type)
			}
		case <-deadline:
			t.Fatalf("stream_ended never observed; saw %v", seen)
		}
	}

	require.GreaterOrEqual(t, len(seen), 5)
	assert.Equal(t, EventStreamStarted, seen[0])
	parts := 0
	for _, ev := range seen[1 : len(seen)-1] {
		if ev == EventStreamPart {
			parts++
		}
	}
	assert.Equal(t, 3, parts)
	assert.Equal(t, EventStreamEnded, seen[len(seen)-1])
}

func TestTerminalStateFreezesStream(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Complete())

	before := len(s.Messages())
	s.Stream().WritePart(markdown("ghost"))
	s.Stream().Flush()
	assert.Equal(t, before, len(s.Messages()))
}
