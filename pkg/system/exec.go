package system

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Command describes a single external command invocation.
type Command struct {
	// Argv is the program and its arguments. Never empty.
	Argv []string

	// Identity is the account the command must run as.
	Identity Identity

	// Env is an optional environment overlay merged onto the process
	// environment before the command starts.
	Env Overlay

	// Stdin is optional input piped to the command.
	Stdin string
}

// Result captures the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandError reports a command that exited non-zero. It carries the
// wrapped argv and both captured streams so the operator can diagnose the
// failure without re-running.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited %d", strings.Join(e.Argv, " "), e.ExitCode)
}

// Runner executes commands on behalf of provisioning steps.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// LocalRunner runs commands on the local host. Non-administrative
// identities are re-invoked through sudo so the command behaves as if
// launched by that account.
type LocalRunner struct {
	log zerolog.Logger
}

// NewLocalRunner creates a runner that logs invocations through log.
func NewLocalRunner(log zerolog.Logger) *LocalRunner {
	return &LocalRunner{log: log}
}

// impersonationPrefix returns the argv prefix that switches execution to
// the given identity. Administrative commands need no wrapper. The -H flag
// makes sudo reset HOME to the target account's home directory.
func impersonationPrefix(id Identity) []string {
	if id.Admin {
		return nil
	}
	return []string{"sudo", "-u", id.Name, "-H"}
}

// wrapArgv prepends the impersonation prefix for the identity, if any.
func wrapArgv(id Identity, argv []string) []string {
	prefix := impersonationPrefix(id)
	if len(prefix) == 0 {
		return argv
	}
	return append(append([]string{}, prefix...), argv...)
}

// Run executes the command, blocking until the child process terminates.
// A non-zero exit yields a *CommandError holding both captured streams;
// the streams are also logged so failures are diagnosable from the run
// output alone.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Argv) == 0 {
		return Result{}, fmt.Errorf("empty argv")
	}

	argv := wrapArgv(cmd.Identity, cmd.Argv)

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env.Environ()
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	r.log.Debug().
		Strs("argv", argv).
		Str("identity", cmd.Identity.Name).
		Msg("executing command")

	err := c.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return result, fmt.Errorf("failed to execute %q: %w", argv[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
		cmdErr := &CommandError{
			Argv:     argv,
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		}
		r.log.Error().
			Strs("argv", argv).
			Int("exit_code", result.ExitCode).
			Str("stdout", result.Stdout).
			Str("stderr", result.Stderr).
			Msg("command failed")
		return result, cmdErr
	}

	return result, nil
}
