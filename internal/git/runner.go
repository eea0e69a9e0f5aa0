// Package git wraps the subset of git commands the runtime needs behind
// typed helpers. All commands run through a single subprocess helper with
// a configurable working directory and a bounded output buffer.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
)

// maxOutputBytes caps combined stdout+stderr capture per command.
const maxOutputBytes = 10 * 1024 * 1024

// Common errors.
var (
	ErrNotARepository = errors.New("not a git repository")
	ErrCommandFailed  = errors.New("git command failed")
)

// Result holds the outcome of a git command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns stdout and stderr concatenated, which is how git mixes
// conflict diagnostics.
func (r Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes git commands in a repository directory.
type Runner struct {
	logger *logger.Logger
}

// NewRunner creates a git runner.
func NewRunner(log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	return &Runner{logger: log.WithFields(zap.String("component", "git"))}
}

// cappedBuffer discards writes past its limit so a runaway diff cannot
// exhaust memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.truncated = true
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Run executes git with the given arguments in dir. A non-zero exit code
// is returned as an error wrapping ErrCommandFailed; the Result is always
// populated.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := Result{
		Stdout: strings.TrimRight(stdout.buf.String(), "\n"),
		Stderr: strings.TrimRight(stderr.buf.String(), "\n"),
	}
	if stdout.truncated || stderr.truncated {
		r.logger.Warn("git output truncated",
			zap.Strings("args", args),
			zap.String("dir", dir))
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, fmt.Errorf("%w: git %s: %s", ErrCommandFailed, strings.Join(args, " "), res.Output())
		}
		return res, fmt.Errorf("failed to run git %s: %w", strings.Join(args, " "), err)
	}
	return res, nil
}

// RunOk executes git and reports only whether it exited zero.
func (r *Runner) RunOk(ctx context.Context, dir string, args ...string) bool {
	_, err := r.Run(ctx, dir, args...)
	return err == nil
}
