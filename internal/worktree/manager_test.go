package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/git"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.New(logger.Config{Level: "error", Format: "json"})
	return log
}

// initTestRepo creates a git repository with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	cfg := Config{BasePath: filepath.Join(t.TempDir(), "worktrees")}
	mgr, err := NewManager(cfg, store, git.NewRunner(newTestLogger()), newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return mgr
}

func TestManager_CreateDefaults(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	info, err := mgr.Create(ctx, "sess-1", CreateOptions{RepoPath: repo})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if info.BranchName != "session/sess-1" {
		t.Errorf("unexpected branch name %q", info.BranchName)
	}
	if info.BaseBranch != "main" {
		t.Errorf("unexpected base branch %q", info.BaseBranch)
	}
	if _, err := os.Stat(info.WorktreePath); err != nil {
		t.Errorf("worktree directory missing: %v", err)
	}

	// The worktree must appear in git's own bookkeeping.
	runner := git.NewRunner(newTestLogger())
	entries, err := runner.WorktreeList(ctx, repo)
	if err != nil {
		t.Fatalf("WorktreeList failed: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Path == info.WorktreePath {
			found = true
		}
	}
	if !found {
		t.Error("worktree not listed by git worktree list")
	}
}

func TestManager_CreateIdempotent(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	first, err := mgr.Create(ctx, "sess-1", CreateOptions{RepoPath: repo})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := mgr.Create(ctx, "sess-1", CreateOptions{RepoPath: repo})
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if first.WorktreePath != second.WorktreePath {
		t.Errorf("expected same worktree, got %q and %q", first.WorktreePath, second.WorktreePath)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "", CreateOptions{RepoPath: "/tmp"}); err == nil {
		t.Error("expected error for empty session id")
	}
	if _, err := mgr.Create(ctx, "s", CreateOptions{}); err == nil {
		t.Error("expected error for empty repo path")
	}
	if _, err := mgr.Create(ctx, "s", CreateOptions{RepoPath: t.TempDir()}); err == nil {
		t.Error("expected error for non-repo path")
	}
}

func TestManager_CompleteCommitsDirtyTree(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	info, err := mgr.Create(ctx, "sess-1", CreateOptions{RepoPath: repo})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(info.WorktreePath, "change.txt"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := mgr.Complete(ctx, "sess-1", CompleteOptions{CommitMessage: "session work"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !result.Committed {
		t.Error("expected a commit")
	}
	if result.CommitSHA == "" {
		t.Error("expected commit SHA")
	}

	runner := git.NewRunner(newTestLogger())
	subject, err := runner.ShortLog(ctx, info.WorktreePath, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if subject != "session work" {
		t.Errorf("unexpected commit subject %q", subject)
	}
}

func TestManager_CompleteCleanTreeNoCommit(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "sess-1", CreateOptions{RepoPath: repo}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	result, err := mgr.Complete(ctx, "sess-1", CompleteOptions{})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if result.Committed {
		t.Error("clean tree must not produce a commit")
	}
}

func TestManager_Remove(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	info, err := mgr.Create(ctx, "sess-1", CreateOptions{RepoPath: repo})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := mgr.Remove(ctx, "sess-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := mgr.Get("sess-1"); ok {
		t.Error("registry entry should be gone")
	}
	if _, err := os.Stat(info.WorktreePath); !os.IsNotExist(err) {
		t.Error("worktree directory should be gone")
	}

	if err := mgr.Remove(ctx, "sess-1"); err == nil {
		t.Error("second Remove should report not found")
	}
}

func TestManager_RegistryPersistsAcrossRestart(t *testing.T) {
	repo := initTestRepo(t)
	registryPath := filepath.Join(t.TempDir(), "registry.json")
	store := NewFileStore(registryPath)
	cfg := Config{BasePath: filepath.Join(t.TempDir(), "worktrees")}

	mgr, err := NewManager(cfg, store, git.NewRunner(newTestLogger()), newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	info, err := mgr.Create(context.Background(), "sess-1", CreateOptions{RepoPath: repo})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Simulate a restart with a fresh manager on the same registry.
	restarted, err := NewManager(cfg, NewFileStore(registryPath), git.NewRunner(newTestLogger()), newTestLogger())
	if err != nil {
		t.Fatalf("restart NewManager failed: %v", err)
	}
	restored, ok := restarted.Get("sess-1")
	if !ok {
		t.Fatal("worktree not restored from registry")
	}
	if restored.WorktreePath != info.WorktreePath || restored.BranchName != info.BranchName {
		t.Error("restored info differs from original")
	}
}

func TestManager_CreateUnknownBaseFails(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t, nil)

	// No remote to fetch from, so the unknown base stays unresolvable.
	if _, err := mgr.Create(context.Background(), "sess-1", CreateOptions{
		RepoPath: repo,
		Base:     "no-such-branch",
	}); err == nil {
		t.Error("expected error for unknown base branch")
	}
}

func TestManager_RecoverPrunesGitBookkeeping(t *testing.T) {
	repo := initTestRepo(t)
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	info, err := mgr.Create(ctx, "sess-1", CreateOptions{RepoPath: repo})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := os.RemoveAll(info.WorktreePath); err != nil {
		t.Fatal(err)
	}

	mgr.Recover(ctx)

	if _, ok := mgr.Get("sess-1"); ok {
		t.Error("stale entry should have been dropped")
	}
	entries, err := git.NewRunner(newTestLogger()).WorktreeList(ctx, repo)
	if err != nil {
		t.Fatalf("WorktreeList failed: %v", err)
	}
	for _, e := range entries {
		if e.Path == info.WorktreePath {
			t.Error("stale worktree still in git bookkeeping")
		}
	}
}

func TestManager_RecoverDropsStaleEntries(t *testing.T) {
	store := NewMemoryStore()
	stale := map[string]*Info{
		"gone": {SessionID: "gone", WorktreePath: "/nonexistent/worktree"},
	}
	if err := store.Save(stale); err != nil {
		t.Fatal(err)
	}

	mgr := newTestManager(t, store)
	mgr.Recover(context.Background())

	if _, ok := mgr.Get("gone"); ok {
		t.Error("stale entry should have been dropped")
	}
}
