package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu         sync.RWMutex
	plans      map[string]*Plan
	tasks      map[string]*Task
	workspaces map[string]*Workspace
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:      make(map[string]*Plan),
		tasks:      make(map[string]*Task),
		workspaces: make(map[string]*Workspace),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreatePlan(ctx context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.Status == "" {
		plan.Status = PlanNew
	}
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	copied := *plan
	s.plans[plan.ID] = &copied
	return nil
}

func (s *MemoryStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	copied := *plan
	return &copied, nil
}

func (s *MemoryStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Plan, 0, len(s.plans))
	for _, plan := range s.plans {
		copied := *plan
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdatePlan(ctx context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; !ok {
		return fmt.Errorf("%w: plan %s", ErrNotFound, plan.ID)
	}
	plan.UpdatedAt = time.Now().UTC()
	copied := *plan
	s.plans[plan.ID] = &copied
	return nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskNew
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	copied := *task
	return &copied, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.PlanID != "" && task.PlanID != filter.PlanID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		copied := *task
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *MemoryStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	if ws.LastOpenedAt.IsZero() {
		ws.LastOpenedAt = now
	}
	if ws.Name == "" {
		ws.Name = filepath.Base(ws.Path)
	}
	copied := *ws
	s.workspaces[ws.ID] = &copied
	return nil
}

func (s *MemoryStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, id)
	}
	copied := *ws
	return &copied, nil
}

func (s *MemoryStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		copied := *ws
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) RecentWorkspaces(ctx context.Context, limit int) ([]*Workspace, error) {
	all, err := s.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastOpenedAt.After(all[j].LastOpenedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) TouchWorkspace(ctx context.Context, id string, openedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return fmt.Errorf("%w: workspace %s", ErrNotFound, id)
	}
	ws.LastOpenedAt = openedAt.UTC()
	return nil
}
