package provision

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Status is the tri-state result of an idempotency guard.
type Status int

const (
	// StatusSatisfied means the step's work is already done; the action
	// is skipped entirely.
	StatusSatisfied Status = iota

	// StatusPending means the step's work has not been done yet.
	StatusPending

	// StatusUnknown means the check itself failed (for example the
	// external service it queries is not reachable). The step's
	// OnUnknown policy decides whether the run proceeds or aborts.
	StatusUnknown
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSatisfied:
		return "satisfied"
	case StatusPending:
		return "pending"
	case StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Policy decides how the sequencer treats a guard that reports
// StatusUnknown.
type Policy int

const (
	// AbortOnUnknown propagates the guard's failure and stops the run.
	// This is the default for every step.
	AbortOnUnknown Policy = iota

	// ProceedOnUnknown treats a failed check as "not satisfied" and runs
	// the action anyway. Reserved for the database role guard, whose
	// query fails while the service is still starting up.
	ProceedOnUnknown
)

// Guard is a side-effect-free idempotency predicate. It is evaluated
// fresh on every run, never cached. The returned error carries detail
// when the status is StatusUnknown and is nil otherwise.
type Guard func(ctx context.Context) (Status, error)

// FileExists is a guard satisfied when path exists on disk.
func FileExists(path string) Guard {
	return func(ctx context.Context) (Status, error) {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			return StatusSatisfied, nil
		case os.IsNotExist(err):
			return StatusPending, nil
		default:
			return StatusUnknown, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
}

// FileContains is a guard satisfied when the file at path exists and
// already contains marker. A missing file or missing marker is pending;
// the paired action must append to the file, never overwrite it.
func FileContains(path, marker string) Guard {
	return func(ctx context.Context) (Status, error) {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if strings.Contains(string(data), marker) {
				return StatusSatisfied, nil
			}
			return StatusPending, nil
		case os.IsNotExist(err):
			return StatusPending, nil
		default:
			return StatusUnknown, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
}
