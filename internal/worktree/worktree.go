// Package worktree gives each worker session an isolated git worktree on
// its own branch, tracks the session→worktree mapping in a persistent
// registry, and finalizes work (commit/push/PR) when a session completes.
package worktree

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound          = errors.New("worktree not found")
	ErrRepoNotGit        = errors.New("repository path is not a git repository")
	ErrSessionIDRequired = errors.New("session id is required")
	ErrRepoPathRequired  = errors.New("repository path is required")
)

// Info describes a session's worktree. Persisted in the registry so
// worktrees survive restarts.
type Info struct {
	SessionID    string    `json:"session_id"`
	WorktreePath string    `json:"worktree_path"`
	BranchName   string    `json:"branch_name"`
	BaseBranch   string    `json:"base_branch"`
	RepoPath     string    `json:"repo_path"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateOptions controls worktree creation. Zero values pick defaults:
// branch session/<id>, path <repo parent>/.worktrees/<id>, detected base.
type CreateOptions struct {
	RepoPath string
	Branch   string
	Path     string
	Base     string
}

// CompleteOptions controls how a session's work is finalized.
type CompleteOptions struct {
	CommitMessage string
	AllowEmpty    bool
	Push          bool
	CreatePR      bool
	PRTitle       string
	PRBody        string
}

// CompleteResult reports what finalization did.
type CompleteResult struct {
	Committed bool   `json:"committed"`
	Pushed    bool   `json:"pushed"`
	PRUrl     string `json:"pr_url,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
}
