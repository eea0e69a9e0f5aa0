package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// digest tuning: how many key messages the handover digest keeps and how
// long each may be.
const (
	digestKeyMessages = 10
	digestMaxChars    = 200
)

// ThreadStatus tracks a topic-scoped conversation thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadResolved ThreadStatus = "resolved"
	ThreadDeferred ThreadStatus = "deferred"
)

// Thread is a topic-scoped sub-log referencing entries of the main log.
type Thread struct {
	ID        string       `json:"id"`
	Topic     string       `json:"topic"`
	Status    ThreadStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	EntryIDs  []string     `json:"entry_ids"`
}

// Options configures a new session.
type Options struct {
	ID                string
	Name              string
	Task              string
	WorktreePath      string
	PlanID            string
	BaseBranch        string
	AgentID           string
	ModelID           string
	AgentInstructions []string
}

type clarification struct {
	text string
	ok   bool
}

// Session is a single worker's conversation context: state machine,
// message log, approvals, clarification channel, and response stream.
type Session struct {
	ID           string
	Name         string
	Task         string
	WorktreePath string
	PlanID       string
	BaseBranch   string
	CreatedAt    time.Time

	logger  *logger.Logger
	emitter *emitter
	stream  *Stream

	mu                sync.Mutex
	status            Status
	agentID           string
	prevAgentID       string
	agentInstructions []string
	modelID           string
	errorMessage      string
	lastActivityAt    time.Time
	log               []*LogEntry
	approvals         map[string]*Approval
	threads           map[string]*Thread
	pendingClarify    *clarification
	clarifyWaiter     chan clarification
	turnCtx           context.Context
	turnCancel        context.CancelFunc
}

// NewSession creates an idle session whose log starts with the init
// system message carrying the task.
func NewSession(opts Options, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Default()
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	s := &Session{
		ID:                opts.ID,
		Name:              opts.Name,
		Task:              opts.Task,
		WorktreePath:      opts.WorktreePath,
		PlanID:            opts.PlanID,
		BaseBranch:        opts.BaseBranch,
		CreatedAt:         now,
		logger:            log.WithFields(zap.String("component", "worker-session"), zap.String("session_id", opts.ID)),
		emitter:           newEmitter(),
		status:            StatusIdle,
		agentID:           opts.AgentID,
		agentInstructions: opts.AgentInstructions,
		modelID:           opts.ModelID,
		lastActivityAt:    now,
		approvals:         make(map[string]*Approval),
		threads:           make(map[string]*Thread),
	}
	s.turnCtx, s.turnCancel = context.WithCancel(context.Background())
	s.stream = newStream(s)

	s.log = append(s.log, &LogEntry{
		ID:        uuid.NewString(),
		Timestamp: now,
		Role:      RoleSystem,
		Content:   "Task: " + opts.Task,
	})
	return s
}

// Stream returns the session's fan-out response sink.
func (s *Session) Stream() *Stream { return s.stream }

// Subscribe returns a channel of session events and a detach function.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.emitter.subscribe()
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AgentID returns the current agent identity.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// ModelID returns the current model.
func (s *Session) ModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// TurnContext returns the cancellation context for the current turn. It
// is replaced after every interrupt.
func (s *Session) TurnContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCtx
}

// Messages returns a copy of the conversation log.
func (s *Session) Messages() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.log))
	for i, entry := range s.log {
		out[i] = *entry
	}
	return out
}

// Snapshot is the read-model of a session for APIs.
type Snapshot struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Task             string    `json:"task"`
	WorktreePath     string    `json:"worktree_path,omitempty"`
	PlanID           string    `json:"plan_id,omitempty"`
	BaseBranch       string    `json:"base_branch,omitempty"`
	Status           Status    `json:"status"`
	AgentID          string    `json:"agent_id,omitempty"`
	ModelID          string    `json:"model_id,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	MessageCount     int       `json:"message_count"`
	PendingApprovals int       `json:"pending_approvals"`
}

// Snapshot returns the current read-model.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:               s.ID,
		Name:             s.Name,
		Task:             s.Task,
		WorktreePath:     s.WorktreePath,
		PlanID:           s.PlanID,
		BaseBranch:       s.BaseBranch,
		Status:           s.status,
		AgentID:          s.agentID,
		ModelID:          s.modelID,
		ErrorMessage:     s.errorMessage,
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.lastActivityAt,
		MessageCount:     len(s.log),
		PendingApprovals: len(s.approvals),
	}
}

// Start moves any non-terminal session to running.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, s.status)
	}
	s.setStatusLocked(StatusRunning)
	return nil
}

// Pause suspends a running session.
func (s *Session) Pause() error {
	return s.transition(StatusRunning, StatusPaused)
}

// Resume continues a paused session.
func (s *Session) Resume() error {
	return s.transition(StatusPaused, StatusRunning)
}

// Idle marks the turn done while keeping the session alive.
func (s *Session) Idle() error {
	return s.transition(StatusRunning, StatusIdle)
}

func (s *Session) transition(from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, to)
	}
	s.setStatusLocked(to)
	return nil
}

// Complete finishes the session. Valid from idle, paused, or
// waiting-approval; terminal.
func (s *Session) Complete() error {
	s.stream.End()

	s.mu.Lock()
	switch s.status {
	case StatusIdle, StatusPaused, StatusWaitingApproval:
	default:
		current := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, StatusCompleted)
	}
	s.setStatusLocked(StatusCompleted)
	s.releaseWaitersLocked()
	s.mu.Unlock()

	s.emitter.emit(Event{Type: EventCompleted, SessionID: s.ID, Status: StatusCompleted})
	return nil
}

// Fail moves the session to the terminal error state from anywhere.
func (s *Session) Fail(message string) {
	s.mu.Lock()
	s.errorMessage = message
	s.setStatusLocked(StatusError)
	s.releaseWaitersLocked()
	s.mu.Unlock()

	s.logger.Warn("session failed", zap.String("error", message))
}

// Interrupt cancels the current turn: the cancellation signal fires and
// is regenerated, a system marker is appended, and the session returns
// to idle. A no-op from idle or a terminal state; reports whether it
// acted.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	if s.status != StatusRunning && s.status != StatusWaitingApproval {
		s.mu.Unlock()
		return false
	}
	s.turnCancel()
	s.turnCtx, s.turnCancel = context.WithCancel(context.Background())

	// Interrupting while waiting releases the pending approvals denied.
	for id, approval := range s.approvals {
		delete(s.approvals, id)
		approval.decision <- Decision{Approved: false}
	}
	s.appendLocked(&LogEntry{
		Role:    RoleSystem,
		Content: "[Interrupted by user]",
	})
	s.setStatusLocked(StatusIdle)
	s.mu.Unlock()
	return true
}

// AppendUserMessage appends a user entry. Rejected in terminal states.
func (s *Session) AppendUserMessage(content string) (*LogEntry, error) {
	return s.append(RoleUser, content)
}

// AppendSystemMessage appends a system entry. Rejected in terminal
// states.
func (s *Session) AppendSystemMessage(content string) (*LogEntry, error) {
	return s.append(RoleSystem, content)
}

// AppendToolMessage appends a tool-result entry.
func (s *Session) AppendToolMessage(toolName, toolCallID, content string) (*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return nil, fmt.Errorf("%w: log is frozen", ErrTerminal)
	}
	entry := &LogEntry{Role: RoleTool, Content: content, ToolName: toolName, ToolCallID: toolCallID}
	s.appendLocked(entry)
	return entry, nil
}

func (s *Session) append(role Role, content string) (*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return nil, fmt.Errorf("%w: log is frozen", ErrTerminal)
	}
	entry := &LogEntry{Role: role, Content: content}
	s.appendLocked(entry)
	return entry, nil
}

// appendLocked stamps and appends an entry and emits updated.
func (s *Session) appendLocked(entry *LogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Timestamp = time.Now().UTC()
	s.log = append(s.log, entry)
	s.lastActivityAt = entry.Timestamp
	s.emitter.emit(Event{Type: EventUpdated, SessionID: s.ID, Status: s.status})
}

// upsertAssistantEntry is the stream-flush path: the first flush of a
// message appends a new assistant entry, later flushes update it in
// place. Writes are rejected once the session is terminal.
func (s *Session) upsertAssistantEntry(id, content string, parts []Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	for _, entry := range s.log {
		if entry.ID == id {
			entry.Content = content
			entry.Parts = parts
			s.lastActivityAt = time.Now().UTC()
			s.emitter.emit(Event{Type: EventUpdated, SessionID: s.ID, Status: s.status})
			return
		}
	}
	s.appendLocked(&LogEntry{ID: id, Role: RoleAssistant, Content: content, Parts: parts})
}

func (s *Session) setStatusLocked(next Status) {
	if s.status == next {
		return
	}
	s.status = next
	s.lastActivityAt = time.Now().UTC()
	s.emitter.emit(Event{Type: EventStatusChanged, SessionID: s.ID, Status: next})
}

// releaseWaitersLocked frees anything parked on the session when it goes
// terminal: the clarification waiter resolves with no value and pending
// approvals resolve denied.
func (s *Session) releaseWaitersLocked() {
	if s.clarifyWaiter != nil {
		s.clarifyWaiter <- clarification{}
		s.clarifyWaiter = nil
	}
	for id, approval := range s.approvals {
		delete(s.approvals, id)
		approval.decision <- Decision{Approved: false}
	}
}

// RequestApproval suspends the session on a pending tool-call decision.
// The returned channel resolves when HandleApproval is called.
func (s *Session) RequestApproval(toolName, toolCallID, description string, params map[string]any) (*Approval, <-chan Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return nil, nil, fmt.Errorf("%w: cannot request approval", ErrTerminal)
	}

	approval := &Approval{
		ID:          uuid.NewString(),
		ToolName:    toolName,
		ToolCallID:  toolCallID,
		Description: description,
		Params:      params,
		RequestedAt: time.Now().UTC(),
		decision:    make(chan Decision, 1),
	}
	s.approvals[approval.ID] = approval
	s.appendLocked(&LogEntry{
		Role:              RoleAssistant,
		Content:           fmt.Sprintf("Approval requested for %s", toolName),
		ToolName:          toolName,
		ToolCallID:        toolCallID,
		IsApprovalRequest: true,
		IsPending:         true,
		Params:            params,
	})
	s.setStatusLocked(StatusWaitingApproval)
	return approval, approval.decision, nil
}

// HandleApproval resolves a pending approval. When the last one
// resolves, the session returns to running.
func (s *Session) HandleApproval(approvalID string, approved bool, clarificationText string) error {
	s.mu.Lock()
	approval, ok := s.approvals[approvalID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
	}
	delete(s.approvals, approvalID)

	for _, entry := range s.log {
		if entry.IsApprovalRequest && entry.ToolCallID == approval.ToolCallID && entry.IsPending {
			entry.IsPending = false
		}
	}
	if clarificationText != "" {
		s.appendLocked(&LogEntry{Role: RoleUser, Content: clarificationText})
	}
	if len(s.approvals) == 0 && s.status == StatusWaitingApproval {
		s.setStatusLocked(StatusRunning)
	}
	s.mu.Unlock()

	approval.decision <- Decision{Approved: approved, Clarification: clarificationText}
	return nil
}

// PendingApprovals lists unresolved approvals.
func (s *Session) PendingApprovals() []Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Approval, 0, len(s.approvals))
	for _, approval := range s.approvals {
		out = append(out, *approval)
	}
	return out
}

// WaitForClarification parks the caller until SendClarification or a
// terminal transition. Returns immediately when a clarification is
// already pending. ok is false when released without a value.
func (s *Session) WaitForClarification(ctx context.Context) (string, bool) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return "", false
	}
	if s.pendingClarify != nil {
		pending := *s.pendingClarify
		s.pendingClarify = nil
		s.mu.Unlock()
		return pending.text, pending.ok
	}
	if s.clarifyWaiter != nil {
		// Only one waiter at a time; the superseded one gets no value.
		s.clarifyWaiter <- clarification{}
	}
	waiter := make(chan clarification, 1)
	s.clarifyWaiter = waiter
	s.mu.Unlock()

	select {
	case result := <-waiter:
		return result.text, result.ok
	case <-ctx.Done():
		s.mu.Lock()
		if s.clarifyWaiter == waiter {
			s.clarifyWaiter = nil
		}
		s.mu.Unlock()
		return "", false
	}
}

// SendClarification wakes the parked waiter or stores the text for the
// next WaitForClarification call. The text is appended as a user
// message.
func (s *Session) SendClarification(text string) error {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot accept clarification", ErrTerminal)
	}
	s.appendLocked(&LogEntry{Role: RoleUser, Content: text})
	if s.clarifyWaiter != nil {
		waiter := s.clarifyWaiter
		s.clarifyWaiter = nil
		s.mu.Unlock()
		waiter <- clarification{text: text, ok: true}
		return nil
	}
	s.pendingClarify = &clarification{text: text, ok: true}
	s.mu.Unlock()
	return nil
}

// AwaitingClarification reports whether a caller is parked in
// WaitForClarification.
func (s *Session) AwaitingClarification() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clarifyWaiter != nil
}

// SetAgent overwrites the agent identity without a marker.
func (s *Session) SetAgent(agentID string, instructions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentID = agentID
	s.agentInstructions = instructions
}

// SetModel overwrites the model without a marker.
func (s *Session) SetModel(modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelID = modelID
}

// HotSwapAgent replaces the agent identity mid-session. With
// preserveContext false the log is truncated to the init message before
// the marker is appended.
func (s *Session) HotSwapAgent(agentID string, instructions []string, preserveContext bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return fmt.Errorf("%w: cannot swap agent", ErrTerminal)
	}

	s.prevAgentID = s.agentID
	s.agentID = agentID
	s.agentInstructions = instructions

	note := "context preserved"
	if !preserveContext {
		if len(s.log) > 1 {
			s.log = s.log[:1]
		}
		note = "context reset"
	}
	s.appendLocked(&LogEntry{
		Role:    RoleSystem,
		Content: fmt.Sprintf("[Agent switched to %s (%s)]", agentID, note),
	})
	return nil
}

// HotSwapModel replaces the model mid-session and appends a marker.
func (s *Session) HotSwapModel(modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return fmt.Errorf("%w: cannot swap model", ErrTerminal)
	}
	s.modelID = modelID
	s.appendLocked(&LogEntry{
		Role:    RoleSystem,
		Content: fmt.Sprintf("[Model switched to %s]", modelID),
	})
	return nil
}

// OpenThread starts a topic-scoped conversation thread.
func (s *Session) OpenThread(topic string) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread := &Thread{
		ID:        uuid.NewString(),
		Topic:     topic,
		Status:    ThreadActive,
		CreatedAt: time.Now().UTC(),
	}
	s.threads[thread.ID] = thread
	return thread
}

// AddThreadEntry links a log entry into a thread.
func (s *Session) AddThreadEntry(threadID, entryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return false
	}
	thread.EntryIDs = append(thread.EntryIDs, entryID)
	return true
}

// SetThreadStatus resolves or defers a thread.
func (s *Session) SetThreadStatus(threadID string, status ThreadStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return false
	}
	thread.Status = status
	return true
}

// Threads lists the session's threads.
func (s *Session) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Thread, 0, len(s.threads))
	for _, thread := range s.threads {
		out = append(out, *thread)
	}
	return out
}

// ContextDigest builds the handover summary for a new agent: task,
// previous agent, the last key messages, pending approvals, and the last
// error. Long messages are truncated.
func (s *Session) ContextDigest() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", truncate(s.Task, digestMaxChars))
	if s.prevAgentID != "" {
		fmt.Fprintf(&b, "Previous agent: %s\n", s.prevAgentID)
	}

	key := make([]*LogEntry, 0, digestKeyMessages)
	for _, entry := range s.log {
		if !isKeyEntry(entry) {
			continue
		}
		key = append(key, entry)
	}
	if len(key) > digestKeyMessages {
		key = key[len(key)-digestKeyMessages:]
	}
	if len(key) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, entry := range key {
			fmt.Fprintf(&b, "  %s: %s\n", entry.Role, truncate(entry.Content, digestMaxChars))
		}
	}

	for _, approval := range s.approvals {
		fmt.Fprintf(&b, "Pending approval: %s\n", approval.ToolName)
	}
	if s.errorMessage != "" {
		fmt.Fprintf(&b, "Last error: %s\n", truncate(s.errorMessage, digestMaxChars))
	}
	return b.String()
}

// isKeyEntry selects digest-worthy messages: user input, substantive
// assistant output (not bracketed markers), and error system messages.
func isKeyEntry(entry *LogEntry) bool {
	switch entry.Role {
	case RoleUser:
		return true
	case RoleAssistant:
		return !strings.HasPrefix(entry.Content, "[")
	case RoleSystem:
		return strings.Contains(entry.Content, "Error")
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// Close shuts the event fan-out down.
func (s *Session) Close() {
	s.emitter.close()
}
