// Package completion finalizes worker sessions: it summarizes changes,
// checks whether a session branch can merge, performs the merge with a
// selectable strategy, and cleans the worktree up.
package completion

import "github.com/agentfleet/agentfleet/internal/git"

// ConflictType classifies what blocks or taints a merge.
type ConflictType string

const (
	ConflictNone        ConflictType = "none"
	ConflictMerge       ConflictType = "merge"
	ConflictRebase      ConflictType = "rebase"
	ConflictUncommitted ConflictType = "uncommitted"
	ConflictDiverged    ConflictType = "diverged"
)

// MergeStrategy selects how a session branch lands on its target.
type MergeStrategy string

const (
	StrategySquash MergeStrategy = "squash"
	StrategyMerge  MergeStrategy = "merge"
	StrategyRebase MergeStrategy = "rebase"
)

// ResolveStrategy picks a side when resolving all conflicts at once.
type ResolveStrategy string

const (
	ResolveOurs   ResolveStrategy = "ours"
	ResolveTheirs ResolveStrategy = "theirs"
)

// ConflictReport describes detected conflicts.
type ConflictReport struct {
	HasConflicts bool         `json:"has_conflicts"`
	ConflictType ConflictType `json:"conflict_type"`
	Files        []string     `json:"files,omitempty"`
}

// Blocking reports whether this conflict kind prevents a merge.
// Uncommitted changes are a warning, not a blocker.
func (c *ConflictReport) Blocking() bool {
	if c == nil || !c.HasConflicts {
		return false
	}
	switch c.ConflictType {
	case ConflictMerge, ConflictRebase, ConflictDiverged:
		return true
	}
	return false
}

// PreMergeResult is the structured outcome of a pre-merge check.
type PreMergeResult struct {
	CanMerge           bool            `json:"can_merge"`
	Conflicts          *ConflictReport `json:"conflicts,omitempty"`
	SourceBranchExists bool            `json:"source_branch_exists"`
	TargetBranchExists bool            `json:"target_branch_exists"`
	IsCleanWorkingTree bool            `json:"is_clean_working_tree"`
	Warnings           []string        `json:"warnings"`
	Errors             []string        `json:"errors"`
}

// MergeOptions controls MergeBranches.
type MergeOptions struct {
	Strategy        MergeStrategy `json:"strategy"`
	Message         string        `json:"message"`
	AutoCommit      bool          `json:"auto_commit"`
	AbortOnConflict bool          `json:"abort_on_conflict"`
	Push            bool          `json:"push"`
}

// MergeResult is the structured outcome of a merge. A push failure after
// a successful merge keeps Success true and carries the error text.
type MergeResult struct {
	Success          bool     `json:"success"`
	HasConflicts     bool     `json:"has_conflicts"`
	ConflictingFiles []string `json:"conflicting_files,omitempty"`
	CommitSHA        string   `json:"commit_sha,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// CleanupOptions controls worktree cleanup.
type CleanupOptions struct {
	Force              bool `json:"force"`
	DeleteLocalBranch  bool `json:"delete_local_branch"`
	DeleteRemoteBranch bool `json:"delete_remote_branch"`
}

// CleanupResult is the structured outcome of a cleanup.
type CleanupResult struct {
	Success bool   `json:"success"`
	Stashed bool   `json:"stashed"`
	Error   string `json:"error,omitempty"`
}

// ChangeSummary describes what a session changed relative to its base.
type ChangeSummary struct {
	Branch     string          `json:"branch"`
	BaseBranch string          `json:"base_branch"`
	Diff       git.DiffSummary `json:"diff"`
	Dirty      bool            `json:"dirty"`
	HeadSHA    string          `json:"head_sha"`
	LastCommit string          `json:"last_commit,omitempty"`
}
