// Package executor provides turn executors for worker sessions. The
// real language-model backend is injected by the embedding application;
// the loopback executor here serves development and tests.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/worker"
)

// Loopback is a development TurnExecutor: it streams a short
// acknowledgment of the last user message instead of calling a model.
type Loopback struct {
	// Delay between streamed parts; simulates model latency.
	PartDelay time.Duration

	log *logger.Logger
}

var _ worker.TurnExecutor = (*Loopback)(nil)

// NewLoopback creates a loopback executor.
func NewLoopback(log *logger.Logger) *Loopback {
	if log == nil {
		log = logger.Default()
	}
	return &Loopback{
		PartDelay: 10 * time.Millisecond,
		log:       log.WithFields(zap.String("component", "loopback-executor")),
	}
}

// ExecuteTurn streams a progress part followed by a markdown reply
// echoing the latest user instruction.
func (e *Loopback) ExecuteTurn(ctx context.Context, conversation []worker.LogEntry, sink worker.ResponseSink) error {
	var lastUser string
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == worker.RoleUser {
			lastUser = conversation[i].Content
			break
		}
	}

	sink.WritePart(worker.Part{Type: worker.PartProgress, Text: "thinking"})
	if err := e.pause(ctx); err != nil {
		return err
	}

	reply := "Acknowledged."
	if lastUser != "" {
		reply = fmt.Sprintf("Acknowledged: %s", lastUser)
	}
	sink.WritePart(worker.Part{Type: worker.PartMarkdown, Text: reply})
	return nil
}

func (e *Loopback) pause(ctx context.Context) error {
	if e.PartDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.PartDelay):
		return nil
	}
}
