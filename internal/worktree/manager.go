package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/git"
)

// prURLPattern extracts the pull request URL from gh CLI output.
var prURLPattern = regexp.MustCompile(`https://github\.com/[^/\s]+/[^/\s]+/pull/(\d+)`)

// Manager creates and destroys per-session git worktrees and keeps the
// session→worktree mapping persisted across restarts.
type Manager struct {
	config     Config
	logger     *logger.Logger
	git        *git.Runner
	store      Store
	mu         sync.RWMutex
	worktrees  map[string]*Info // sessionID -> info
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager and restores the persisted
// registry.
func NewManager(cfg Config, store Store, runner *git.Runner, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	if runner == nil {
		runner = git.NewRunner(log)
	}

	worktrees, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load worktree registry: %w", err)
	}

	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		git:       runner,
		store:     store,
		worktrees: worktrees,
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// getRepoLock returns a mutex serializing git operations per repository.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, ok := m.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Get returns the worktree info for a session.
func (m *Manager) Get(sessionID string) (*Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.worktrees[sessionID]
	return info, ok
}

// List returns all tracked worktrees.
func (m *Manager) List() []*Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Info, 0, len(m.worktrees))
	for _, info := range m.worktrees {
		out = append(out, info)
	}
	return out
}

// Create creates a worktree for a session on its own branch. Idempotent:
// when the session already has a worktree whose directory still exists,
// it is returned unchanged.
func (m *Manager) Create(ctx context.Context, sessionID string, opts CreateOptions) (*Info, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}
	if opts.RepoPath == "" {
		return nil, ErrRepoPathRequired
	}

	if existing, ok := m.Get(sessionID); ok {
		if _, err := os.Stat(existing.WorktreePath); err == nil {
			m.logger.Info("reusing existing worktree",
				zap.String("session_id", sessionID),
				zap.String("path", existing.WorktreePath))
			return existing, nil
		}
		// Registry entry is stale; recreate below.
		m.logger.Warn("worktree directory missing, recreating",
			zap.String("session_id", sessionID))
		m.forget(sessionID)
	}

	if !m.git.IsRepo(ctx, opts.RepoPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotGit, opts.RepoPath)
	}

	branch := opts.Branch
	if branch == "" {
		branch = m.config.BranchName(sessionID)
	}
	path := opts.Path
	if path == "" {
		path = m.config.WorktreePath(sessionID, opts.RepoPath)
	}
	base := opts.Base
	if base == "" {
		base = m.git.DefaultBranch(ctx, opts.RepoPath)
	}

	lock := m.getRepoLock(opts.RepoPath)
	lock.Lock()
	defer lock.Unlock()

	// An explicitly requested base may only exist on the remote; refresh
	// the remote refs before the add can fail on it.
	if opts.Base != "" && !m.git.BranchExists(ctx, opts.RepoPath, base) {
		if err := m.git.Fetch(ctx, opts.RepoPath, ""); err != nil {
			m.logger.Debug("fetch before worktree add failed",
				zap.String("repo", opts.RepoPath), zap.Error(err))
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent directory: %w", err)
	}
	if err := m.git.WorktreeAdd(ctx, opts.RepoPath, branch, path, base); err != nil {
		return nil, err
	}

	info := &Info{
		SessionID:    sessionID,
		WorktreePath: path,
		BranchName:   branch,
		BaseBranch:   base,
		RepoPath:     opts.RepoPath,
		CreatedAt:    time.Now().UTC(),
	}
	m.remember(info)

	m.logger.Info("worktree created",
		zap.String("session_id", sessionID),
		zap.String("path", path),
		zap.String("branch", branch),
		zap.String("base", base))
	return info, nil
}

// Complete finalizes a session's work: stage everything, commit when the
// tree is dirty (or allow-empty is set), optionally push, optionally open
// a PR through the gh CLI.
func (m *Manager) Complete(ctx context.Context, sessionID string, opts CompleteOptions) (*CompleteResult, error) {
	info, ok := m.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	result := &CompleteResult{}

	if err := m.git.StageAll(ctx, info.WorktreePath); err != nil {
		return nil, fmt.Errorf("failed to stage changes: %w", err)
	}

	dirty, err := m.git.IsDirty(ctx, info.WorktreePath)
	if err != nil {
		return nil, err
	}
	if dirty || opts.AllowEmpty {
		message := opts.CommitMessage
		if message == "" {
			message = fmt.Sprintf("Session %s: automated changes", sessionID)
		}
		if err := m.git.Commit(ctx, info.WorktreePath, message, opts.AllowEmpty); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		result.Committed = true
		if sha, err := m.git.HeadSHA(ctx, info.WorktreePath); err == nil {
			result.CommitSHA = sha
		}
	}

	if opts.Push || opts.CreatePR {
		if err := m.git.Push(ctx, info.WorktreePath, info.BranchName, true); err != nil {
			return nil, fmt.Errorf("failed to push branch %s: %w", info.BranchName, err)
		}
		result.Pushed = true
	}

	if opts.CreatePR {
		url, err := m.createPullRequest(ctx, info, opts)
		if err != nil {
			return nil, err
		}
		result.PRUrl = url
	}

	m.logger.Info("worktree completed",
		zap.String("session_id", sessionID),
		zap.Bool("committed", result.Committed),
		zap.Bool("pushed", result.Pushed),
		zap.String("pr_url", result.PRUrl))
	return result, nil
}

// createPullRequest shells out to the GitHub CLI and parses the PR URL
// from its output.
func (m *Manager) createPullRequest(ctx context.Context, info *Info, opts CompleteOptions) (string, error) {
	title := opts.PRTitle
	if title == "" {
		title = fmt.Sprintf("Session %s", info.SessionID)
	}
	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--title", title,
		"--body", opts.PRBody,
		"--base", info.BaseBranch,
		"--head", info.BranchName)
	cmd.Dir = info.WorktreePath

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh pr create failed: %s: %w", strings.TrimSpace(string(output)), err)
	}
	if match := prURLPattern.FindString(string(output)); match != "" {
		return match, nil
	}
	m.logger.Warn("could not parse PR URL from gh output",
		zap.String("session_id", info.SessionID))
	return "", nil
}

// Remove destroys a session's worktree and best-effort deletes its
// branch. The registry entry is removed regardless of git outcomes.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	info, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	lock := m.getRepoLock(info.RepoPath)
	lock.Lock()
	defer lock.Unlock()

	if err := m.git.WorktreeRemove(ctx, info.RepoPath, info.WorktreePath, false); err != nil {
		m.logger.Warn("worktree remove failed, forcing",
			zap.String("session_id", sessionID),
			zap.Error(err))
		if err := m.git.WorktreeRemove(ctx, info.RepoPath, info.WorktreePath, true); err != nil {
			m.logger.Error("forced worktree remove failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}

	if err := m.git.DeleteBranch(ctx, info.RepoPath, info.BranchName); err != nil {
		m.logger.Debug("branch delete failed",
			zap.String("branch", info.BranchName),
			zap.Error(err))
	}

	m.forget(sessionID)
	m.logger.Info("worktree removed", zap.String("session_id", sessionID))
	return nil
}

// Recover validates the restored registry after a restart, dropping
// entries whose directories no longer exist and pruning git's own
// bookkeeping in the affected repositories.
func (m *Manager) Recover(ctx context.Context) {
	m.mu.Lock()
	var stale []string
	staleRepos := make(map[string]struct{})
	for sessionID, info := range m.worktrees {
		if _, err := os.Stat(info.WorktreePath); err != nil {
			stale = append(stale, sessionID)
			if info.RepoPath != "" {
				staleRepos[info.RepoPath] = struct{}{}
			}
		}
	}
	for _, sessionID := range stale {
		delete(m.worktrees, sessionID)
	}
	m.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	m.logger.Info("dropped stale worktree entries", zap.Int("count", len(stale)))
	m.persist()
	for repoPath := range staleRepos {
		if err := m.git.WorktreePrune(ctx, repoPath); err != nil {
			m.logger.Debug("worktree prune failed",
				zap.String("repo", repoPath), zap.Error(err))
		}
	}
}

func (m *Manager) remember(info *Info) {
	m.mu.Lock()
	m.worktrees[info.SessionID] = info
	m.mu.Unlock()
	m.persist()
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.worktrees, sessionID)
	m.mu.Unlock()
	m.persist()
}

// persist is best-effort; a failed write is logged, never fatal.
func (m *Manager) persist() {
	m.mu.RLock()
	snapshot := make(map[string]*Info, len(m.worktrees))
	for k, v := range m.worktrees {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if err := m.store.Save(snapshot); err != nil {
		m.logger.Error("failed to persist worktree registry", zap.Error(err))
	}
}
