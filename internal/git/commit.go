package git

import (
	"context"
)

// StageAll stages every change, including untracked files.
func (r *Runner) StageAll(ctx context.Context, dir string) error {
	_, err := r.Run(ctx, dir, "add", "-A")
	return err
}

// Commit records staged changes. allowEmpty permits a commit with no
// staged changes.
func (r *Runner) Commit(ctx context.Context, dir, message string, allowEmpty bool) error {
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	_, err := r.Run(ctx, dir, args...)
	return err
}

// Push publishes the branch, setting the upstream when requested.
func (r *Runner) Push(ctx context.Context, dir, branch string, setUpstream bool) error {
	args := []string{"push"}
	if setUpstream {
		args = append(args, "--set-upstream", "origin", branch)
	}
	_, err := r.Run(ctx, dir, args...)
	return err
}

// StashPush stashes all changes including untracked files.
func (r *Runner) StashPush(ctx context.Context, dir, message string) error {
	_, err := r.Run(ctx, dir, "stash", "push", "-u", "-m", message)
	return err
}

// CheckoutOurs resolves the given paths to the current branch's side.
func (r *Runner) CheckoutOurs(ctx context.Context, dir string, paths []string) error {
	args := append([]string{"checkout", "--ours", "--"}, paths...)
	_, err := r.Run(ctx, dir, args...)
	return err
}

// CheckoutTheirs resolves the given paths to the incoming side.
func (r *Runner) CheckoutTheirs(ctx context.Context, dir string, paths []string) error {
	args := append([]string{"checkout", "--theirs", "--"}, paths...)
	_, err := r.Run(ctx, dir, args...)
	return err
}
