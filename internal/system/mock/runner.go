// Package mock provides a recording system.Runner for tests.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cochaviz/bsdimg/internal/system"
)

// SideEffect produces the output of a faked command.
type SideEffect func(cmd system.Command) ([]byte, error)

// Runner records every command it is asked to run. Commands without a side
// effect succeed with empty output.
type Runner struct {
	mu       sync.Mutex
	commands []system.Command

	// SideEffects is keyed by command name, e.g. "newfs".
	SideEffects map[string]SideEffect
}

var _ system.Runner = (*Runner)(nil)

func NewRunner() *Runner {
	return &Runner{SideEffects: map[string]SideEffect{}}
}

func (r *Runner) Run(_ context.Context, cmd system.Command) ([]byte, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	effect := r.SideEffects[cmd.Name]
	r.mu.Unlock()

	if effect == nil {
		return nil, nil
	}
	return effect(cmd)
}

// Commands returns the recorded commands in invocation order.
func (r *Runner) Commands() []system.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]system.Command(nil), r.commands...)
}

// Lines returns the recorded commands rendered as strings.
func (r *Runner) Lines() []string {
	var lines []string
	for _, cmd := range r.Commands() {
		lines = append(lines, cmd.String())
	}
	return lines
}

// Count returns how many times a command with the given name ran.
func (r *Runner) Count(name string) int {
	n := 0
	for _, cmd := range r.Commands() {
		if cmd.Name == name {
			n++
		}
	}
	return n
}

// Called reports whether any recorded command line starts with prefix.
func (r *Runner) Called(prefix string) bool {
	for _, line := range r.Lines() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// Fail returns a side effect that exits with the given status.
func Fail(code int) SideEffect {
	return func(cmd system.Command) ([]byte, error) {
		return nil, &system.ExitError{
			Command: cmd,
			Code:    code,
			Err:     fmt.Errorf("exit status %d", code),
		}
	}
}

// Output returns a side effect that succeeds with fixed stdout.
func Output(out string) SideEffect {
	return func(system.Command) ([]byte, error) {
		return []byte(out), nil
	}
}
