package system

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// testIdentity runs commands without the sudo wrapper so tests execute as
// the current user.
func testIdentity() Identity {
	return Identity{Name: "tester", Home: "/tmp", Admin: true}
}

func testRunner() *LocalRunner {
	return NewLocalRunner(zerolog.Nop())
}

func TestRunCapturesBothStreams(t *testing.T) {
	res, err := testRunner().Run(context.Background(), Command{
		Argv:     []string{"sh", "-c", "echo to-stdout; echo to-stderr >&2"},
		Identity: testIdentity(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Stdout, "to-stdout") {
		t.Errorf("expected stdout capture, got %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "to-stderr") {
		t.Errorf("expected stderr capture, got %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestRunNonZeroExitYieldsCommandError(t *testing.T) {
	res, err := testRunner().Run(context.Background(), Command{
		Argv:     []string{"sh", "-c", "echo boom >&2; exit 3"},
		Identity: testIdentity(),
	})
	if err == nil {
		t.Fatal("expected an error for non-zero exit")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T: %v", err, err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", cmdErr.ExitCode)
	}
	if !strings.Contains(cmdErr.Stderr, "boom") {
		t.Errorf("expected captured stderr in error, got %q", cmdErr.Stderr)
	}
	if len(cmdErr.Argv) == 0 {
		t.Error("expected the failing argv in the error")
	}
	if res.ExitCode != 3 {
		t.Errorf("expected result exit code 3, got %d", res.ExitCode)
	}
}

func TestRunMissingBinaryIsNotCommandError(t *testing.T) {
	_, err := testRunner().Run(context.Background(), Command{
		Argv:     []string{"/nonexistent/devstrap-test-binary"},
		Identity: testIdentity(),
	})
	if err == nil {
		t.Fatal("expected an error for a missing binary")
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		t.Errorf("expected a plain execution error, got CommandError: %v", err)
	}
}

func TestRunEmptyArgv(t *testing.T) {
	_, err := testRunner().Run(context.Background(), Command{Identity: testIdentity()})
	if err == nil {
		t.Fatal("expected an error for empty argv")
	}
}

func TestRunPipesStdin(t *testing.T) {
	res, err := testRunner().Run(context.Background(), Command{
		Argv:     []string{"cat"},
		Identity: testIdentity(),
		Stdin:    "hello from stdin",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "hello from stdin" {
		t.Errorf("expected stdin to be piped through, got %q", res.Stdout)
	}
}

func TestRunAppliesEnvOverlay(t *testing.T) {
	res, err := testRunner().Run(context.Background(), Command{
		Argv:     []string{"sh", "-c", "echo $DEVSTRAP_OVERLAY_VAR"},
		Identity: testIdentity(),
		Env:      Overlay{"DEVSTRAP_OVERLAY_VAR": "overlaid"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "overlaid" {
		t.Errorf("expected overlay variable in child env, got %q", res.Stdout)
	}
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Argv: []string{"apt-get", "update"}, ExitCode: 100}
	msg := err.Error()
	if !strings.Contains(msg, "apt-get update") {
		t.Errorf("expected argv in message, got %q", msg)
	}
	if !strings.Contains(msg, "100") {
		t.Errorf("expected exit code in message, got %q", msg)
	}
}
