package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/worker"
)

type partRecorder struct {
	parts []worker.Part
}

func (r *partRecorder) WritePart(part worker.Part) {
	r.parts = append(r.parts, part)
}

func TestLoopbackEchoesLastUserMessage(t *testing.T) {
	exec := NewLoopback(nil)
	exec.PartDelay = 0

	sink := &partRecorder{}
	conversation := []worker.LogEntry{
		{Role: worker.RoleSystem, Content: "Task: refactor"},
		{Role: worker.RoleUser, Content: "split the handler"},
	}
	require.NoError(t, exec.ExecuteTurn(context.Background(), conversation, sink))

	require.Len(t, sink.parts, 2)
	assert.Equal(t, worker.PartProgress, sink.parts[0].Type)
	assert.Equal(t, worker.PartMarkdown, sink.parts[1].Type)
	assert.Equal(t, "Acknowledged: split the handler", sink.parts[1].Text)
}

func TestLoopbackHonorsCancellation(t *testing.T) {
	exec := NewLoopback(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := exec.ExecuteTurn(ctx, nil, &partRecorder{})
	assert.ErrorIs(t, err, context.Canceled)
}
