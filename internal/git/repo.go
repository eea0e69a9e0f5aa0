package git

import (
	"context"
	"fmt"
	"strings"
)

// IsRepo reports whether dir is inside a git work tree.
func (r *Runner) IsRepo(ctx context.Context, dir string) bool {
	res, err := r.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(res.Stdout) == "true"
}

// IsWorktree reports whether dir is a linked worktree (as opposed to the
// main checkout). Linked worktrees have a .git file pointing at the
// common dir rather than a .git directory.
func (r *Runner) IsWorktree(ctx context.Context, dir string) bool {
	gitDir, err := r.Run(ctx, dir, "rev-parse", "--git-dir")
	if err != nil {
		return false
	}
	commonDir, err := r.Run(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return false
	}
	return strings.TrimSpace(gitDir.Stdout) != strings.TrimSpace(commonDir.Stdout)
}

// CurrentBranch returns the checked-out branch name.
func (r *Runner) CurrentBranch(ctx context.Context, dir string) (string, error) {
	res, err := r.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// HeadSHA returns the commit hash of HEAD.
func (r *Runner) HeadSHA(ctx context.Context, dir string) (string, error) {
	res, err := r.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// BranchExists reports whether a local branch exists.
func (r *Runner) BranchExists(ctx context.Context, dir, branch string) bool {
	return r.RunOk(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
}

// DefaultBranch detects the repository's default branch: the remote HEAD
// when set, then main, then master.
func (r *Runner) DefaultBranch(ctx context.Context, dir string) string {
	if res, err := r.Run(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		ref := strings.TrimSpace(res.Stdout)
		if name := strings.TrimPrefix(ref, "refs/remotes/origin/"); name != ref && name != "" {
			return name
		}
	}
	if r.BranchExists(ctx, dir, "main") {
		return "main"
	}
	return "master"
}

// MergeBase returns the common ancestor of two refs, or "" when the
// histories are unrelated.
func (r *Runner) MergeBase(ctx context.Context, dir, a, b string) string {
	res, err := r.Run(ctx, dir, "merge-base", a, b)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// Checkout switches to the given branch.
func (r *Runner) Checkout(ctx context.Context, dir, branch string) error {
	_, err := r.Run(ctx, dir, "checkout", branch)
	return err
}

// DeleteBranch force-deletes a local branch.
func (r *Runner) DeleteBranch(ctx context.Context, dir, branch string) error {
	_, err := r.Run(ctx, dir, "branch", "-D", branch)
	return err
}

// DeleteRemoteBranch deletes a branch on origin.
func (r *Runner) DeleteRemoteBranch(ctx context.Context, dir, branch string) error {
	_, err := r.Run(ctx, dir, "push", "origin", "--delete", branch)
	return err
}

// MergeInProgress reports whether a merge is in progress.
func (r *Runner) MergeInProgress(ctx context.Context, dir string) bool {
	return r.RunOk(ctx, dir, "rev-parse", "--verify", "--quiet", "MERGE_HEAD")
}

// RebaseInProgress reports whether a rebase is in progress.
func (r *Runner) RebaseInProgress(ctx context.Context, dir string) bool {
	return r.RunOk(ctx, dir, "rev-parse", "--verify", "--quiet", "REBASE_HEAD")
}

// Fetch updates the named remote.
func (r *Runner) Fetch(ctx context.Context, dir, remote string) error {
	if remote == "" {
		remote = "origin"
	}
	_, err := r.Run(ctx, dir, "fetch", remote)
	return err
}

// ShortLog returns a one-line subject for the given ref.
func (r *Runner) ShortLog(ctx context.Context, dir, ref string) (string, error) {
	res, err := r.Run(ctx, dir, "log", "-1", "--pretty=%s", ref)
	if err != nil {
		return "", fmt.Errorf("failed to read log for %s: %w", ref, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}
