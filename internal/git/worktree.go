package git

import (
	"context"
	"strings"
)

// WorktreeEntry is one entry of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string `json:"path"`
	Head   string `json:"head"`
	Branch string `json:"branch"`
}

// WorktreeAdd creates a worktree at path on a new branch off base.
// When the branch already exists the worktree is attached to it instead.
func (r *Runner) WorktreeAdd(ctx context.Context, repoPath, branch, path, base string) error {
	_, err := r.Run(ctx, repoPath, "worktree", "add", "-b", branch, path, base)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "already exists") {
		_, err = r.Run(ctx, repoPath, "worktree", "add", path, branch)
	}
	return err
}

// WorktreeRemove removes a worktree, forcing when requested.
func (r *Runner) WorktreeRemove(ctx context.Context, repoPath, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := r.Run(ctx, repoPath, args...)
	return err
}

// WorktreeList returns all worktrees of a repository.
func (r *Runner) WorktreeList(ctx context.Context, repoPath string) ([]WorktreeEntry, error) {
	res, err := r.Run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var entries []WorktreeEntry
	var current WorktreeEntry
	flush := func() {
		if current.Path != "" {
			entries = append(entries, current)
		}
		current = WorktreeEntry{}
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return entries, nil
}

// WorktreePrune drops stale worktree bookkeeping.
func (r *Runner) WorktreePrune(ctx context.Context, repoPath string) error {
	_, err := r.Run(ctx, repoPath, "worktree", "prune")
	return err
}
