package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/orchestrator/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(store.NewMemoryStore(), nil, logger.Default())
}

func TestRegisterAndList(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()

	ws, err := svc.Register(ctx, dir, "scratch")
	require.NoError(t, err)
	assert.Equal(t, "scratch", ws.Name)
	assert.Equal(t, dir, ws.Path)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegisterDeduplicatesByPath(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()

	first, err := svc.Register(ctx, dir, "")
	require.NoError(t, err)
	second, err := svc.Register(ctx, dir, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegisterRejectsFiles(t *testing.T) {
	svc := newTestService(t)
	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := svc.Register(context.Background(), file, "")
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestRegisterRejectsMissingPath(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Register(context.Background(), filepath.Join(t.TempDir(), "gone"), "")
	assert.Error(t, err)
}

func TestOpenMovesToFrontOfRecents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, t.TempDir(), "first")
	require.NoError(t, err)
	second, err := svc.Register(ctx, t.TempDir(), "second")
	require.NoError(t, err)

	recent, err := svc.Recent(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	assert.Equal(t, second.ID, recent[0].ID)

	_, err = svc.Open(ctx, first.ID)
	require.NoError(t, err)

	recent, err = svc.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, recent[0].ID)
}

func TestOpenUnknownWorkspace(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
