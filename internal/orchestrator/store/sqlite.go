package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the file-backed Store.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	abs, err := filepath.Abs(dbPath)
	if err == nil {
		dbPath = abs
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT '',
		plan_id TEXT NOT NULL DEFAULT '',
		dependencies TEXT NOT NULL DEFAULT '[]',
		parallel_group TEXT NOT NULL DEFAULT '',
		agent TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL DEFAULT '',
		target_files TEXT NOT NULL DEFAULT '[]',
		base_branch TEXT NOT NULL DEFAULT '',
		repo_path TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL DEFAULT '',
		session_uri TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		last_opened_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_plan_id ON tasks(plan_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_workspaces_last_opened ON workspaces(last_opened_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreatePlan inserts a plan, assigning id and timestamps.
func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *Plan) error {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.Status == "" {
		plan.Status = PlanNew
	}
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, description, base_branch, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, plan.ID, plan.Name, plan.Description, plan.BaseBranch, plan.Status, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by id.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	plan := &Plan{}
	err := s.db.GetContext(ctx, plan, `SELECT * FROM plans WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// ListPlans returns all plans, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context) ([]*Plan, error) {
	plans := []*Plan{}
	if err := s.db.SelectContext(ctx, &plans, `SELECT * FROM plans ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// UpdatePlan updates a plan's mutable fields.
func (s *SQLiteStore) UpdatePlan(ctx context.Context, plan *Plan) error {
	plan.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE plans SET name = ?, description = ?, base_branch = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, plan.Name, plan.Description, plan.BaseBranch, plan.Status, plan.UpdatedAt, plan.ID)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: plan %s", ErrNotFound, plan.ID)
	}
	return nil
}

type taskRow struct {
	Task
	DependenciesJSON string `db:"dependencies"`
	TargetFilesJSON  string `db:"target_files"`
}

func (r *taskRow) toTask() (*Task, error) {
	task := r.Task
	if err := json.Unmarshal([]byte(r.DependenciesJSON), &task.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(r.TargetFilesJSON), &task.TargetFiles); err != nil {
		return nil, fmt.Errorf("failed to decode target files: %w", err)
	}
	return &task, nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CreateTask inserts a task, assigning id and timestamps.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskNew
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	deps, err := encodeList(task.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	files, err := encodeList(task.TargetFiles)
	if err != nil {
		return fmt.Errorf("failed to encode target files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, description, priority, plan_id, dependencies, parallel_group,
			agent, model_id, target_files, base_branch, repo_path, worker_id, session_uri, status,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Description, task.Priority, task.PlanID, deps, task.ParallelGroup,
		task.Agent, task.ModelID, files, task.BaseBranch, task.RepoPath, task.WorkerID,
		task.SessionURI, task.Status, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := &taskRow{}
	err := s.db.GetContext(ctx, row, `SELECT * FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toTask()
}

// ListTasks returns tasks matching the filter, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT * FROM tasks`
	var (
		conditions []string
		args       []any
	)
	if filter.PlanID != "" {
		conditions = append(conditions, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"

	rows := []*taskRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(rows))
	for _, row := range rows {
		task, err := row.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// UpdateTask updates a task's mutable fields.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now().UTC()
	deps, err := encodeList(task.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	files, err := encodeList(task.TargetFiles)
	if err != nil {
		return fmt.Errorf("failed to encode target files: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET name = ?, description = ?, priority = ?, plan_id = ?, dependencies = ?,
			parallel_group = ?, agent = ?, model_id = ?, target_files = ?, base_branch = ?,
			repo_path = ?, worker_id = ?, session_uri = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.Description, task.Priority, task.PlanID, deps, task.ParallelGroup,
		task.Agent, task.ModelID, files, task.BaseBranch, task.RepoPath, task.WorkerID,
		task.SessionURI, task.Status, task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, task.ID)
	}
	return nil
}

// CreateWorkspace inserts a workspace, assigning id and timestamps.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, path, last_opened_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ws.ID, ws.Name, ws.Path, ws.LastOpenedAt, ws.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace by id.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ws := &Workspace{}
	err := s.db.GetContext(ctx, ws, `SELECT * FROM workspaces WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces returns all workspaces by name.
func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	out := []*Workspace{}
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM workspaces ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	return out, nil
}

// RecentWorkspaces returns the most recently opened workspaces.
func (s *SQLiteStore) RecentWorkspaces(ctx context.Context, limit int) ([]*Workspace, error) {
	out := []*Workspace{}
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM workspaces ORDER BY last_opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent workspaces: %w", err)
	}
	return out, nil
}

// TouchWorkspace records an open.
func (s *SQLiteStore) TouchWorkspace(ctx context.Context, id string, openedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET last_opened_at = ? WHERE id = ?`, openedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch workspace: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: workspace %s", ErrNotFound, id)
	}
	return nil
}
