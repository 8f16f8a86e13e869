package system

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestCommandString(t *testing.T) {
	t.Parallel()

	cmd := Command{Name: "gpt", Args: []string{"add", "-l", "root", "vnd0"}}
	if got, want := cmd.String(), "gpt add -l root vnd0"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestExecRunnerReturnsStdout(t *testing.T) {
	t.Parallel()

	runner := &ExecRunner{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	out, err := runner.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo dk3: root"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "dk3: root" {
		t.Fatalf("Run() output = %q, want %q", got, "dk3: root")
	}
}

func TestExecRunnerReportsExitStatus(t *testing.T) {
	t.Parallel()

	runner := &ExecRunner{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	_, err := runner.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo busy >&2; exit 3"}})
	if err == nil {
		t.Fatal("Run() error = nil, want exit error")
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T", err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("exit code = %d, want 3", exitErr.Code)
	}
	if !strings.Contains(exitErr.Error(), "busy") {
		t.Fatalf("error %q does not carry stderr", exitErr.Error())
	}
}

func TestExecRunnerMissingTool(t *testing.T) {
	t.Parallel()

	runner := &ExecRunner{}
	_, err := runner.Run(context.Background(), Command{Name: "bsdimg-no-such-tool"})

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T", err)
	}
	if exitErr.Code != -1 {
		t.Fatalf("exit code = %d, want -1", exitErr.Code)
	}
}
