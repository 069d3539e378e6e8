package provision

import (
	"context"
	"time"

	"github.com/devstrap/devstrap/pkg/system"
)

// Step is a single provisioning step: an idempotency guard paired with an
// action, executed under a declared identity.
type Step struct {
	// Name identifies the step in logs, errors, and the run journal.
	Name string

	// Identity is the account the step's commands run as.
	Identity system.Identity

	// OnUnknown decides what happens when Check reports StatusUnknown.
	OnUnknown Policy

	// Check is the step's idempotency guard.
	Check Guard

	// Apply performs the step's work. Only called when Check did not
	// report StatusSatisfied.
	Apply func(ctx context.Context) error
}

// Outcome classifies how a step ended during a run.
type Outcome string

const (
	// OutcomeApplied means the action ran and succeeded.
	OutcomeApplied Outcome = "applied"

	// OutcomeSkipped means the guard reported satisfied and the action
	// never ran.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means the guard or the action failed and the run
	// aborted at this step.
	OutcomeFailed Outcome = "failed"
)

// StepResult reports one step's outcome to the run observer. Command
// output is deliberately not carried here; captured streams live only in
// the error chain and the log.
type StepResult struct {
	Step     string
	Identity string
	Outcome  Outcome
	Started  time.Time
	Finished time.Time
	Err      error
}

// CheckResult reports one guard's status from a read-only inspection.
type CheckResult struct {
	Step     string
	Identity string
	Status   Status

	// Detail explains an unknown status.
	Detail string
}
