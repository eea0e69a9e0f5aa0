package git

import (
	"context"
	"strconv"
	"strings"
)

// DiffFile is one file entry of a diff summary.
type DiffFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // A, M, D, R...
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// DiffSummary aggregates the changes between two refs.
type DiffSummary struct {
	Files     []DiffFile `json:"files"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
}

// DiffAgainst summarizes the changes of the working branch relative to
// base using the three-dot form, so only the branch's own commits count.
func (r *Runner) DiffAgainst(ctx context.Context, dir, base string) (DiffSummary, error) {
	statuses := map[string]string{}
	nameStatus, err := r.Run(ctx, dir, "diff", "--name-status", base+"...HEAD")
	if err != nil {
		return DiffSummary{}, err
	}
	for _, line := range strings.Split(nameStatus.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// Renames carry two paths; report the destination.
		path := fields[len(fields)-1]
		statuses[path] = string(fields[0][0])
	}

	numstat, err := r.Run(ctx, dir, "diff", "--numstat", base+"...HEAD")
	if err != nil {
		return DiffSummary{}, err
	}

	var summary DiffSummary
	for _, line := range strings.Split(numstat.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		// Binary files report "-" for both counts.
		add, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		path := fields[len(fields)-1]
		summary.Files = append(summary.Files, DiffFile{
			Path:      path,
			Status:    statuses[path],
			Additions: add,
			Deletions: del,
		})
		summary.Additions += add
		summary.Deletions += del
	}
	return summary, nil
}
