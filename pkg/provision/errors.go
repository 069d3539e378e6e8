package provision

import (
	"errors"
	"fmt"
)

// PrivilegeError indicates the process was started without administrative
// privilege. It is raised by the preflight check before any step runs.
type PrivilegeError struct {
	// EUID is the effective user ID the process was started with.
	EUID int
}

// Error implements the error interface.
func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("administrative privilege required (running as uid %d)", e.EUID)
}

// IsPrivilegeError reports whether err is a preflight privilege failure.
func IsPrivilegeError(err error) bool {
	var e *PrivilegeError
	return errors.As(err, &e)
}

// PostconditionError indicates a step's action completed but the artifact
// it was supposed to produce is still absent.
type PostconditionError struct {
	// Step is the name of the step whose postcondition failed.
	Step string

	// Artifact is the path or resource that is still missing.
	Artifact string
}

// Error implements the error interface.
func (e *PostconditionError) Error() string {
	return fmt.Sprintf("step %q completed but %s is still absent", e.Step, e.Artifact)
}

// StepError wraps a failure with the name of the step it occurred in.
// Failures propagate unchanged to the entry point; no step suppresses a
// genuine error except the single fail-open guard documented on its step.
type StepError struct {
	Step string
	Err  error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *StepError) Unwrap() error {
	return e.Err
}
