// Package workspace keeps the registry of repository roots the
// orchestrator has been pointed at, with a most-recently-opened list for
// the UI's workspace picker.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events"
	"github.com/agentfleet/agentfleet/internal/events/bus"
	"github.com/agentfleet/agentfleet/internal/orchestrator/store"
)

// DefaultRecentLimit caps the recent-workspaces list.
const DefaultRecentLimit = 10

// ErrNotDirectory is returned when a registered path is not a directory.
var ErrNotDirectory = errors.New("workspace path is not a directory")

// Service manages the workspace registry.
type Service struct {
	store store.Store
	bus   bus.EventBus
	log   *logger.Logger
}

// NewService creates the workspace registry service.
func NewService(st store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store: st,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "workspace")),
	}
}

// Register adds a repository root to the registry. Registering a path
// that is already known touches the existing entry instead of creating a
// duplicate.
func (s *Service) Register(ctx context.Context, path, name string) (*store.Workspace, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat workspace path: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}

	existing, err := s.findByPath(ctx, abs)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.store.TouchWorkspace(ctx, existing.ID, time.Now().UTC()); err != nil {
			return nil, fmt.Errorf("touch workspace: %w", err)
		}
		return s.store.GetWorkspace(ctx, existing.ID)
	}

	ws := &store.Workspace{Path: abs, Name: name}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	s.publish(ctx, events.WorkspaceCreated, ws)
	s.log.Info("workspace registered", zap.String("path", abs), zap.String("workspace_id", ws.ID))
	return ws, nil
}

// Open marks a workspace as the most recently opened one.
func (s *Service) Open(ctx context.Context, id string) (*store.Workspace, error) {
	if err := s.store.TouchWorkspace(ctx, id, time.Now().UTC()); err != nil {
		return nil, err
	}
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.WorkspaceOpened, ws)
	return ws, nil
}

// Get returns a workspace by id.
func (s *Service) Get(ctx context.Context, id string) (*store.Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

// List returns all registered workspaces sorted by name.
func (s *Service) List(ctx context.Context) ([]*store.Workspace, error) {
	return s.store.ListWorkspaces(ctx)
}

// Recent returns the most recently opened workspaces, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]*store.Workspace, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return s.store.RecentWorkspaces(ctx, limit)
}

func (s *Service) findByPath(ctx context.Context, path string) (*store.Workspace, error) {
	all, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ws := range all {
		if ws.Path == path {
			return ws, nil
		}
	}
	return nil, nil
}

func (s *Service) publish(ctx context.Context, eventType string, ws *store.Workspace) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "workspace", map[string]any{
		"workspace_id": ws.ID,
		"path":         ws.Path,
	})
	if err := s.bus.Publish(ctx, bus.SubjectWorkspacePrefix+ws.ID, evt); err != nil {
		s.log.Warn("workspace event publish failed", zap.Error(err))
	}
}
