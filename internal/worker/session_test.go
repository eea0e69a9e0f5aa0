package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	log, _ := logger.New(logger.Config{Level: "error", Format: "json"})
	s := NewSession(Options{
		Name:    "test-worker",
		Task:    "implement the feature",
		AgentID: "@default",
	}, log)
	t.Cleanup(s.Close)
	return s
}

func TestNewSessionStartsIdleWithInitMessage(t *testing.T) {
	s := newTestSession(t)

	assert.Equal(t, StatusIdle, s.Status())
	messages := s.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "implement the feature")
}

func TestStateMachineTransitions(t *testing.T) {
	s := newTestSession(t)

	require.NoError(t, s.Start())
	assert.Equal(t, StatusRunning, s.Status())

	require.NoError(t, s.Pause())
	assert.Equal(t, StatusPaused, s.Status())

	require.NoError(t, s.Resume())
	assert.Equal(t, StatusRunning, s.Status())

	require.NoError(t, s.Idle())
	assert.Equal(t, StatusIdle, s.Status())

	require.NoError(t, s.Complete())
	assert.Equal(t, StatusCompleted, s.Status())

	assert.ErrorIs(t, s.Start(), ErrTerminal)
}

func TestInvalidTransitions(t *testing.T) {
	s := newTestSession(t)

	assert.ErrorIs(t, s.Pause(), ErrInvalidTransition, "pause from idle")
	assert.ErrorIs(t, s.Resume(), ErrInvalidTransition, "resume from idle")

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Complete(), ErrInvalidTransition, "complete from running")
}

func TestTerminalStateRejectsLogWrites(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Complete())

	_, err := s.AppendUserMessage("too late")
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = s.AppendSystemMessage("too late")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Len(t, s.Messages(), 1)
}

func TestFailIsTerminalFromAnywhere(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Start())

	s.Fail("executor exploded")
	assert.Equal(t, StatusError, s.Status())
	assert.Equal(t, "executor exploded", s.Snapshot().ErrorMessage)
}

func TestApprovalRoundTrip(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Start())

	approval, decision, err := s.RequestApproval("run_tests", "call-1", "run the test suite", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingApproval, s.Status())
	require.Len(t, s.PendingApprovals(), 1)

	require.NoError(t, s.HandleApproval(approval.ID, true, ""))
	assert.Equal(t, StatusRunning, s.Status(), "last approval resolved returns to running")

	select {
	case d := <-decision:
		assert.True(t, d.Approved)
	case <-time.After(time.Second):
		t.Fatal("decision future never resolved")
	}

	assert.ErrorIs(t, s.HandleApproval(approval.ID, true, ""), ErrApprovalNotFound)
}

func TestApprovalStaysWaitingWhileOthersPend(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Start())

	first, _, err := s.RequestApproval("write_file", "call-1", "", nil)
	require.NoError(t, err)
	_, _, err = s.RequestApproval("run_command", "call-2", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.HandleApproval(first.ID, false, ""))
	assert.Equal(t, StatusWaitingApproval, s.Status(), "one approval still pending")
}

func TestInterruptThenClarification(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Start())

	turnCtx := s.TurnContext()
	require.True(t, s.Interrupt())
	assert.Equal(t, StatusIdle, s.Status())

	select {
	case <-turnCtx.Done():
	default:
		t.Fatal("interrupt must fire the cancellation signal")
	}
	select {
	case <-s.TurnContext().Done():
		t.Fatal("cancellation signal must be regenerated")
	default:
	}

	// The log carries the interruption marker.
	messages := s.Messages()
	last := messages[len(messages)-1]
	assert.Equal(t, RoleSystem, last.Role)
	assert.Contains(t, last.Content, "Interrupted")

	// A parked clarification waiter resolves with the sent text.
	got := make(chan string, 1)
	go func() {
		text, ok := s.WaitForClarification(context.Background())
		if ok {
			got <- text
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.SendClarification("refocus on tests"))

	select {
	case text := <-got:
		assert.Equal(t, "refocus on tests", text)
	case <-time.After(time.Second):
		t.Fatal("clarification waiter never woke")
	}
}

func TestInterruptNoopFromIdleAndTerminal(t *testing.T) {
	s := newTestSession(t)
	assert.False(t, s.Interrupt(), "idle")

	require.NoError(t, s.Complete())
	assert.False(t, s.Interrupt(), "terminal")
}

func TestClarificationStoredWhenNoWaiter(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.SendClarification("use table tests"))

	text, ok := s.WaitForClarification(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "use table tests", text)

	// The clarification is also a user message in the log.
	messages := s.Messages()
	assert.Equal(t, RoleUser, messages[len(messages)-1].Role)
}

func TestTerminalReleasesClarificationWaiter(t *testing.T) {
	s := newTestSession(t)

	released := make(chan bool, 1)
	go func() {
		_, ok := s.WaitForClarification(context.Background())
		released <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Complete())

	select {
	case ok := <-released:
		assert.False(t, ok, "terminal release carries no value")
	case <-time.After(time.Second):
		t.Fatal("waiter not released on terminal transition")
	}
}

func TestHotSwapAgentPreservesContext(t *testing.T) {
	s := newTestSession(t)
	_, err := s.AppendUserMessage("Hello")
	require.NoError(t, err)
	s.upsertAssistantEntry("a1", "Hi", nil)

	before := len(s.Messages())
	require.NoError(t, s.HotSwapAgent("@reviewer", []string{"Review these"}, true))

	messages := s.Messages()
	assert.Equal(t, before+1, len(messages), "exactly one marker appended")
	last := messages[len(messages)-1]
	assert.Equal(t, RoleSystem, last.Role)
	assert.Contains(t, last.Content, "@reviewer")
	assert.Contains(t, last.Content, "context preserved")
	assert.Equal(t, "@reviewer", s.AgentID())
}

func TestHotSwapAgentResetTruncatesToInit(t *testing.T) {
	s := newTestSession(t)
	_, err := s.AppendUserMessage("Hello")
	require.NoError(t, err)
	s.upsertAssistantEntry("a1", "Hi", nil)

	require.NoError(t, s.HotSwapAgent("@fixer", nil, false))

	messages := s.Messages()
	require.Len(t, messages, 2, "init message plus marker")
	assert.Contains(t, messages[0].Content, "implement the feature")
	assert.Contains(t, messages[1].Content, "context reset")
}

func TestHotSwapModelAppendsMarker(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.HotSwapModel("gpt-large"))

	messages := s.Messages()
	last := messages[len(messages)-1]
	assert.Contains(t, last.Content, "gpt-large")
	assert.Equal(t, "gpt-large", s.ModelID())
}

func TestContextDigest(t *testing.T) {
	s := newTestSession(t)
	_, err := s.AppendUserMessage(strings.Repeat("x", 300))
	require.NoError(t, err)
	s.upsertAssistantEntry("a1", "I will start with the parser", nil)
	_, err = s.AppendSystemMessage("[routine marker]")
	require.NoError(t, err)
	_, err = s.AppendSystemMessage("Error: tests failing")
	require.NoError(t, err)
	require.NoError(t, s.HotSwapAgent("@reviewer", nil, true))

	digest := s.ContextDigest()
	assert.Contains(t, digest, "Task: implement the feature")
	assert.Contains(t, digest, "Previous agent: @default")
	assert.Contains(t, digest, "I will start with the parser")
	assert.Contains(t, digest, "Error: tests failing")
	assert.NotContains(t, digest, "[routine marker]")
	// Long messages are truncated to 200 characters plus ellipsis.
	assert.Contains(t, digest, strings.Repeat("x", 200)+"...")
	assert.NotContains(t, digest, strings.Repeat("x", 201))
}

func TestDigestKeepsLastTenKeyMessages(t *testing.T) {
	s := newTestSession(t)
	for i := 0; i < 15; i++ {
		_, err := s.AppendUserMessage("message-" + string(rune('a'+i)))
		require.NoError(t, err)
	}

	digest := s.ContextDigest()
	assert.NotContains(t, digest, "message-a")
	assert.NotContains(t, digest, "message-e")
	assert.Contains(t, digest, "message-f")
	assert.Contains(t, digest, "message-o")
}

func TestThreads(t *testing.T) {
	s := newTestSession(t)
	thread := s.OpenThread("flaky tests")
	assert.Equal(t, ThreadActive, thread.Status)

	entry, err := s.AppendUserMessage("the auth test is flaky")
	require.NoError(t, err)
	assert.True(t, s.AddThreadEntry(thread.ID, entry.ID))
	assert.True(t, s.SetThreadStatus(thread.ID, ThreadResolved))

	threads := s.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, ThreadResolved, threads[0].Status)
	assert.Equal(t, []string{entry.ID}, threads[0].EntryIDs)

	assert.False(t, s.AddThreadEntry("missing", entry.ID))
}
