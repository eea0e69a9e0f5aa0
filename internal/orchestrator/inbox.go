package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/agentfleet/internal/events"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator/store"
	"github.com/agentfleet/agentfleet/internal/queue"
)

// InboxItem is a message that needs a human decision: a worker question,
// an approval request, or an error report.
type InboxItem struct {
	ID          string            `json:"id"`
	Type        queue.MessageType `json:"type"`
	WorkerID    string            `json:"worker_id,omitempty"`
	MessageID   string            `json:"message_id"`
	Content     string            `json:"content"`
	ApprovalID  string            `json:"approval_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Processed   bool              `json:"processed"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

// handleInboundMessage is the orchestrator's queue handler. Messages
// that need attention become inbox items; the rest are logged and
// acknowledged by returning nil.
func (s *Service) handleInboundMessage(ctx context.Context, msg *queue.Message) error {
	var content, approvalID string
	switch msg.Type {
	case queue.TypeQuestion:
		if msg.Content.Question != nil {
			content = msg.Content.Question.Question
		}
	case queue.TypeApprovalRequest:
		if req := msg.Content.ApprovalRequest; req != nil {
			content = fmt.Sprintf("%s: %s", req.ToolName, req.Description)
			approvalID = req.ApprovalID
		}
	case queue.TypeError:
		if msg.Content.ErrorReport != nil {
			content = msg.Content.ErrorReport.Error
		}
	case queue.TypeCompletion:
		if msg.Content.Completion != nil {
			content = msg.Content.Completion.Summary
		}
	default:
		// Status updates and heartbeats don't need attention.
		return nil
	}

	item := &InboxItem{
		ID:         uuid.NewString(),
		Type:       msg.Type,
		WorkerID:   msg.Sender.ID,
		MessageID:  msg.ID,
		Content:    content,
		ApprovalID: approvalID,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.inbox = append(s.inbox, item)
	s.mu.Unlock()

	s.publish(ctx, bus.SubjectInboxPrefix+item.ID, events.InboxItemAdded, map[string]any{
		"item_id":   item.ID,
		"type":      string(item.Type),
		"worker_id": item.WorkerID,
	})
	return nil
}

// ListInbox returns inbox items, newest first. Processed items are
// included only when requested.
func (s *Service) ListInbox(includeProcessed bool) []*InboxItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*InboxItem, 0, len(s.inbox))
	for i := len(s.inbox) - 1; i >= 0; i-- {
		item := s.inbox[i]
		if item.Processed && !includeProcessed {
			continue
		}
		copied := *item
		out = append(out, &copied)
	}
	return out
}

// ProcessInbox marks an item handled. Idempotent.
func (s *Service) ProcessInbox(ctx context.Context, itemID string) (*InboxItem, error) {
	s.mu.Lock()
	var found *InboxItem
	for _, item := range s.inbox {
		if item.ID == itemID {
			found = item
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: inbox item %s", store.ErrNotFound, itemID)
	}
	if !found.Processed {
		now := time.Now().UTC()
		found.Processed = true
		found.ProcessedAt = &now
	}
	copied := *found
	s.mu.Unlock()

	s.publish(ctx, bus.SubjectInboxPrefix+itemID, events.InboxItemProcessed, map[string]any{
		"item_id": itemID,
	})
	return &copied, nil
}
