package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrNotFound is returned (wrapped) when the command binary cannot be resolved.
var ErrNotFound = errors.New("command not found")

// Runner executes an external command in a working directory and returns its
// captured standard output.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// ExitError reports a command that ran but exited with a non-zero status.
type ExitError struct {
	Command []string
	Dir     string
	Code    int
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q failed with exit code %d", strings.Join(e.Command, " "), e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the command binary is missing.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Exec runs commands through os/exec. It never retries; callers own the retry policy.
type Exec struct {
	Env    []string // optional environment; nil inherits the current process env
	Logger *slog.Logger
}

// Run captures stdout and stderr, treats a non-zero exit as failure and decodes output
// permissively, dropping invalid UTF-8 instead of failing.
func (e Exec) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	if e.Logger != nil {
		e.Logger.Debug("running command", "command", name, "args", args, "dir", dir)
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(e.Env) > 0 {
		cmd.Env = e.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := decode(stdout.Bytes())
	if err == nil {
		return out, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return out, &ExitError{
			Command: append([]string{name}, args...),
			Dir:     dir,
			Code:    ee.ExitCode(),
			Stderr:  decode(stderr.Bytes()),
			Err:     err,
		}
	}
	// Anything else: bad working directory, permission denied, cancelled context.
	return out, fmt.Errorf("run %s: %w", name, err)
}

func decode(b []byte) string {
	return strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
}
