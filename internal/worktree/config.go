package worktree

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultBranchPrefix is used when no prefix is configured.
const DefaultBranchPrefix = "session/"

// Config holds configuration for the worktree manager.
type Config struct {
	// BasePath is the directory worktrees are created under. Empty means
	// "<repo parent>/.worktrees". Supports ~ expansion.
	BasePath string `mapstructure:"basePath"`

	// BranchPrefix is the prefix for generated branch names.
	BranchPrefix string `mapstructure:"branchPrefix"`

	// RegistryPath is the JSON file the session→worktree map persists to.
	RegistryPath string `mapstructure:"registryPath"`
}

// Validate fills defaults for unset fields.
func (c *Config) Validate() error {
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	return nil
}

// BranchName returns the generated branch name for a session.
func (c *Config) BranchName(sessionID string) string {
	return c.BranchPrefix + sessionID
}

// WorktreePath returns the worktree directory for a session, given the
// repository it isolates.
func (c *Config) WorktreePath(sessionID, repoPath string) string {
	base := c.BasePath
	if base == "" {
		base = filepath.Join(filepath.Dir(repoPath), ".worktrees")
	} else if strings.HasPrefix(base, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, base[2:])
		}
	}
	return filepath.Join(base, sessionID)
}
