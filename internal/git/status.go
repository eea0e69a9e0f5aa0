package git

import (
	"context"
	"strings"
)

// FileStatus is one entry of porcelain status output.
type FileStatus struct {
	Path     string `json:"path"`
	Index    byte   `json:"-"`
	Worktree byte   `json:"-"`
	Staged   bool   `json:"staged"`
	Code     string `json:"code"` // two-character porcelain code
}

// StatusResult is the parsed working tree status.
type StatusResult struct {
	Branch string       `json:"branch"`
	Files  []FileStatus `json:"files"`
}

// IsClean reports whether the working tree has no changes.
func (s StatusResult) IsClean() bool {
	return len(s.Files) == 0
}

// ChangedPaths returns the paths of all changed files.
func (s StatusResult) ChangedPaths() []string {
	paths := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// Status runs `git status --porcelain -b` and parses the result.
func (r *Runner) Status(ctx context.Context, dir string) (StatusResult, error) {
	res, err := r.Run(ctx, dir, "status", "--porcelain", "-b")
	if err != nil {
		return StatusResult{}, err
	}

	var status StatusResult
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			branch := strings.TrimPrefix(line, "## ")
			if i := strings.IndexAny(branch, ". "); i > 0 {
				branch = branch[:i]
			}
			status.Branch = branch
			continue
		}
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		// Renames are reported as "old -> new"; keep the new path.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		status.Files = append(status.Files, FileStatus{
			Path:     strings.Trim(path, `"`),
			Index:    line[0],
			Worktree: line[1],
			Staged:   line[0] != ' ' && line[0] != '?',
			Code:     line[:2],
		})
	}
	return status, nil
}

// IsDirty reports whether the working tree has uncommitted changes,
// including untracked files.
func (r *Runner) IsDirty(ctx context.Context, dir string) (bool, error) {
	status, err := r.Status(ctx, dir)
	if err != nil {
		return false, err
	}
	return !status.IsClean(), nil
}

// ConflictedFiles lists paths with unresolved merge conflicts.
func (r *Runner) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	res, err := r.Run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
