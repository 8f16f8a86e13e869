// Package system runs the host's block-device, filesystem and archive tools.
//
// Every external invocation is described by a Command value so callers never
// build shell strings. The exit status is the only success signal; stdout is
// returned for the few callers that need to match a device name out of a
// listing.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/cochaviz/bsdimg/internal/logging"
)

// Command is a single external tool invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; empty means the current directory.
	Dir string
}

// String renders the command for logs and diagnostics.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes commands and blocks until they exit.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExitError reports a command that could not be started or exited non-zero.
type ExitError struct {
	Command Command
	// Code is the exit status, or -1 when the process never ran to completion.
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command.Name, e.Code)
	if e.Code < 0 && e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Command.Name, e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands with os/exec, optionally through sudo.
type ExecRunner struct {
	Logger *slog.Logger
	// Sudo prefixes every command with "sudo" for unprivileged operators.
	Sudo bool
}

var _ Runner = (*ExecRunner)(nil)

// Run executes cmd and returns its standard output.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	name, args := cmd.Name, cmd.Args
	if r.Sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}

	logger := logging.Ensure(r.Logger)
	logger.Debug("running command", "command", cmd.String(), "dir", cmd.Dir, "sudo", r.Sudo)

	proc := exec.CommandContext(ctx, name, args...)
	proc.Dir = cmd.Dir

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	if err := proc.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return stdout.Bytes(), &ExitError{
			Command: cmd,
			Code:    code,
			Stderr:  stderr.String(),
			Err:     err,
		}
	}

	if stderr.Len() > 0 {
		logger.Debug("command wrote to stderr", "command", cmd.Name, "stderr", strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
