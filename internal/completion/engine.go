package completion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/git"
)

// Engine runs the completion workflow against a repository. All methods
// return structured results instead of raising; only argument errors are
// returned as Go errors.
type Engine struct {
	git    *git.Runner
	logger *logger.Logger
}

// NewEngine creates a completion engine.
func NewEngine(runner *git.Runner, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	if runner == nil {
		runner = git.NewRunner(log)
	}
	return &Engine{
		git:    runner,
		logger: log.WithFields(zap.String("component", "completion")),
	}
}

// PreMergeCheck validates that source can merge into target.
func (e *Engine) PreMergeCheck(ctx context.Context, repoPath, source, target string) (*PreMergeResult, error) {
	result := &PreMergeResult{
		Warnings: []string{},
		Errors:   []string{},
	}

	result.SourceBranchExists = e.git.BranchExists(ctx, repoPath, source)
	if !result.SourceBranchExists {
		result.Errors = append(result.Errors, fmt.Sprintf("source branch %q does not exist", source))
	}
	result.TargetBranchExists = e.git.BranchExists(ctx, repoPath, target)
	if !result.TargetBranchExists {
		result.Errors = append(result.Errors, fmt.Sprintf("target branch %q does not exist", target))
	}

	if dirty, err := e.git.IsDirty(ctx, repoPath); err == nil {
		result.IsCleanWorkingTree = !dirty
		if dirty {
			result.Warnings = append(result.Warnings, "working tree has uncommitted changes")
		}
	} else {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to read working tree status: %v", err))
	}

	if len(result.Errors) == 0 {
		conflicts, err := e.DetectConflicts(ctx, repoPath, source, target)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			result.Conflicts = conflicts
			if conflicts.Blocking() {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("conflicts of type %q on %d file(s)", conflicts.ConflictType, len(conflicts.Files)))
			}
		}
	}

	result.CanMerge = len(result.Errors) == 0 && !result.Conflicts.Blocking()
	return result, nil
}

// DetectConflicts probes, in order: an in-progress merge, an in-progress
// rebase, uncommitted changes, unrelated histories, and finally a dry-run
// merge. The original branch is restored regardless of the dry-run
// outcome.
func (e *Engine) DetectConflicts(ctx context.Context, repoPath, source, target string) (*ConflictReport, error) {
	if e.git.MergeInProgress(ctx, repoPath) {
		files, _ := e.git.ConflictedFiles(ctx, repoPath)
		return &ConflictReport{HasConflicts: true, ConflictType: ConflictMerge, Files: files}, nil
	}
	if e.git.RebaseInProgress(ctx, repoPath) {
		files, _ := e.git.ConflictedFiles(ctx, repoPath)
		return &ConflictReport{HasConflicts: true, ConflictType: ConflictRebase, Files: files}, nil
	}

	status, err := e.git.Status(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if !status.IsClean() {
		return &ConflictReport{
			HasConflicts: true,
			ConflictType: ConflictUncommitted,
			Files:        status.ChangedPaths(),
		}, nil
	}

	if e.git.MergeBase(ctx, repoPath, source, target) == "" {
		return &ConflictReport{HasConflicts: true, ConflictType: ConflictDiverged}, nil
	}

	return e.dryRunMerge(ctx, repoPath, source, target)
}

// dryRunMerge attempts the merge with --no-commit --no-ff on the target
// branch, parses conflict lines, then aborts and restores the original
// branch.
func (e *Engine) dryRunMerge(ctx context.Context, repoPath, source, target string) (*ConflictReport, error) {
	original, err := e.git.CurrentBranch(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if original != "" {
			if err := e.git.Checkout(ctx, repoPath, original); err != nil {
				e.logger.Error("failed to restore original branch after dry-run",
					zap.String("branch", original), zap.Error(err))
			}
		}
	}()

	if original != target {
		if err := e.git.Checkout(ctx, repoPath, target); err != nil {
			return nil, err
		}
	}

	res, mergeErr := e.git.Run(ctx, repoPath, "merge", "--no-commit", "--no-ff", source)
	output := res.Output()
	if mergeErr != nil {
		output = mergeErr.Error()
	}

	// The dry-run leaves merge state behind on both outcomes.
	if _, err := e.git.Run(ctx, repoPath, "merge", "--abort"); err != nil {
		e.logger.Debug("merge --abort after dry-run", zap.Error(err))
	}

	files := parseConflictFiles(output)
	if mergeErr != nil && len(files) == 0 && strings.Contains(output, "CONFLICT") {
		// Conflicts reported without a parsable file list.
		return &ConflictReport{HasConflicts: true, ConflictType: ConflictMerge}, nil
	}
	if len(files) > 0 {
		return &ConflictReport{HasConflicts: true, ConflictType: ConflictMerge, Files: files}, nil
	}
	return &ConflictReport{HasConflicts: false, ConflictType: ConflictNone}, nil
}

// parseConflictFiles extracts conflicted paths from merge output.
func parseConflictFiles(output string) []string {
	seen := map[string]bool{}
	var files []string
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path != "" && !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "CONFLICT (content): Merge conflict in "):
			add(strings.TrimPrefix(line, "CONFLICT (content): Merge conflict in "))
		case strings.HasPrefix(line, "CONFLICT") && strings.Contains(line, "deleted"):
			// "CONFLICT (modify/delete): <file> deleted in <ref> ..."
			rest := line[strings.Index(line, "):")+2:]
			if i := strings.Index(rest, " deleted"); i > 0 {
				add(rest[:i])
			}
		case strings.HasPrefix(line, "Auto-merging ") && strings.Contains(strings.ToLower(line), "conflict"):
			add(strings.TrimPrefix(line, "Auto-merging "))
		}
	}
	sort.Strings(files)
	return files
}

// MergeBranches merges source into target with the selected strategy.
func (e *Engine) MergeBranches(ctx context.Context, repoPath, source, target string, opts MergeOptions) (*MergeResult, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategySquash
	}
	if opts.Message == "" {
		opts.Message = fmt.Sprintf("Merge %s into %s", source, target)
	}

	original, err := e.git.CurrentBranch(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if original != target {
		if err := e.git.Checkout(ctx, repoPath, target); err != nil {
			return &MergeResult{Success: false, Error: err.Error()}, nil
		}
	}

	var res git.Result
	var mergeErr error
	switch opts.Strategy {
	case StrategySquash:
		res, mergeErr = e.git.Run(ctx, repoPath, "merge", "--squash", source)
		if mergeErr == nil && opts.AutoCommit {
			_, mergeErr = e.git.Run(ctx, repoPath, "commit", "-m", opts.Message)
		}
	case StrategyMerge:
		res, mergeErr = e.git.Run(ctx, repoPath, "merge", source, "-m", opts.Message, "--no-ff")
	case StrategyRebase:
		res, mergeErr = e.git.Run(ctx, repoPath, "rebase", source)
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", opts.Strategy)
	}

	output := res.Output()
	if mergeErr != nil {
		output += "\n" + mergeErr.Error()
	}

	if strings.Contains(output, "CONFLICT") || strings.Contains(output, "Automatic merge failed") {
		files := parseConflictFiles(output)
		if len(files) == 0 {
			files, _ = e.git.ConflictedFiles(ctx, repoPath)
		}
		if opts.AbortOnConflict {
			e.abortInProgress(ctx, repoPath, opts.Strategy)
			if original != "" {
				if err := e.git.Checkout(ctx, repoPath, original); err != nil {
					e.logger.Error("failed to restore branch after aborted merge",
						zap.String("branch", original), zap.Error(err))
				}
			}
		}
		return &MergeResult{Success: false, HasConflicts: true, ConflictingFiles: files}, nil
	}
	if mergeErr != nil {
		return &MergeResult{Success: false, Error: mergeErr.Error()}, nil
	}

	result := &MergeResult{Success: true}
	if sha, err := e.git.HeadSHA(ctx, repoPath); err == nil {
		result.CommitSHA = sha
	}

	if opts.Push {
		if err := e.git.Push(ctx, repoPath, target, false); err != nil {
			// The merge landed; surface the push failure without undoing it.
			result.Error = fmt.Sprintf("push failed: %v", err)
		}
	}

	e.logger.Info("branches merged",
		zap.String("source", source),
		zap.String("target", target),
		zap.String("strategy", string(opts.Strategy)))
	return result, nil
}

func (e *Engine) abortInProgress(ctx context.Context, repoPath string, strategy MergeStrategy) {
	if strategy == StrategyRebase {
		if _, err := e.git.Run(ctx, repoPath, "rebase", "--abort"); err != nil {
			e.logger.Debug("rebase --abort", zap.Error(err))
		}
		return
	}
	if _, err := e.git.Run(ctx, repoPath, "merge", "--abort"); err != nil {
		e.logger.Debug("merge --abort", zap.Error(err))
	}
	// A squash conflict can leave staged state without MERGE_HEAD.
	if _, err := e.git.Run(ctx, repoPath, "reset", "--hard", "HEAD"); err != nil {
		e.logger.Debug("reset --hard after abort", zap.Error(err))
	}
}

// ResolveAllConflicts resolves every conflicted file to one side and
// stages the result. With no conflicted files it succeeds as a no-op.
func (e *Engine) ResolveAllConflicts(ctx context.Context, repoPath string, strategy ResolveStrategy) error {
	files, err := e.git.ConflictedFiles(ctx, repoPath)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	switch strategy {
	case ResolveOurs:
		err = e.git.CheckoutOurs(ctx, repoPath, files)
	case ResolveTheirs:
		err = e.git.CheckoutTheirs(ctx, repoPath, files)
	default:
		return fmt.Errorf("unknown resolve strategy %q", strategy)
	}
	if err != nil {
		return err
	}
	return e.git.StageAll(ctx, repoPath)
}

// CleanupWorktree removes a worktree after a session is done. A dirty
// tree is auto-stashed unless force is set; a failed stash fails the
// cleanup.
func (e *Engine) CleanupWorktree(ctx context.Context, repoPath, worktreePath, branch string, opts CleanupOptions) (*CleanupResult, error) {
	if !e.git.IsWorktree(ctx, worktreePath) {
		return nil, fmt.Errorf("%s is not a git worktree", worktreePath)
	}

	result := &CleanupResult{}

	dirty, err := e.git.IsDirty(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	if dirty && !opts.Force {
		if err := e.git.StashPush(ctx, worktreePath, "Auto-stash before worktree removal"); err != nil {
			result.Error = fmt.Sprintf("stash failed: %v", err)
			return result, nil
		}
		result.Stashed = true
	}

	if err := e.git.WorktreeRemove(ctx, repoPath, worktreePath, opts.Force || dirty); err != nil {
		result.Error = err.Error()
		return result, nil
	}

	if opts.DeleteLocalBranch && branch != "" {
		if err := e.git.DeleteBranch(ctx, repoPath, branch); err != nil {
			e.logger.Warn("failed to delete local branch",
				zap.String("branch", branch), zap.Error(err))
		}
	}
	if opts.DeleteRemoteBranch && branch != "" {
		if err := e.git.DeleteRemoteBranch(ctx, repoPath, branch); err != nil {
			e.logger.Warn("failed to delete remote branch",
				zap.String("branch", branch), zap.Error(err))
		}
	}

	result.Success = true
	return result, nil
}

// Summarize reports what a session's worktree changed relative to its
// base branch.
func (e *Engine) Summarize(ctx context.Context, worktreePath, baseBranch string) (*ChangeSummary, error) {
	branch, err := e.git.CurrentBranch(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	diff, err := e.git.DiffAgainst(ctx, worktreePath, baseBranch)
	if err != nil {
		return nil, err
	}
	dirty, err := e.git.IsDirty(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	summary := &ChangeSummary{
		Branch:     branch,
		BaseBranch: baseBranch,
		Diff:       diff,
		Dirty:      dirty,
	}
	if sha, err := e.git.HeadSHA(ctx, worktreePath); err == nil {
		summary.HeadSHA = sha
	}
	if subject, err := e.git.ShortLog(ctx, worktreePath, "HEAD"); err == nil {
		summary.LastCommit = subject
	}
	return summary, nil
}
