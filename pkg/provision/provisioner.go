package provision

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/devstrap/devstrap/pkg/config"
	"github.com/devstrap/devstrap/pkg/system"
)

// Provisioner runs the fixed provisioning sequence for one target
// identity. It holds no state across steps beyond the identity and the
// login environment overlay computed at construction.
type Provisioner struct {
	cfg      *config.Config
	runner   system.Runner
	target   system.Identity
	overlay  system.Overlay
	log      zerolog.Logger
	observer func(StepResult)
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithObserver registers a callback invoked after every step with its
// outcome. Used by the entry point to feed the run journal.
func WithObserver(fn func(StepResult)) Option {
	return func(p *Provisioner) { p.observer = fn }
}

// New creates a Provisioner for the given target identity.
func New(cfg *config.Config, runner system.Runner, target system.Identity, log zerolog.Logger, opts ...Option) *Provisioner {
	p := &Provisioner{
		cfg:     cfg,
		runner:  runner,
		target:  target,
		overlay: system.LoginOverlay(target),
		log:     log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Target returns the identity the environment is provisioned for.
func (p *Provisioner) Target() system.Identity {
	return p.target
}

// Preflight verifies the process holds administrative privilege. It must
// pass before any step runs; failure touches no state.
func Preflight() error {
	if euid := os.Geteuid(); euid != 0 {
		return &PrivilegeError{EUID: euid}
	}
	return nil
}

// Run executes every step in order, strictly sequentially. Satisfied
// guards skip their action; the first unrecovered failure aborts the run
// with no retries and no rollback of earlier steps.
func (p *Provisioner) Run(ctx context.Context) error {
	for _, step := range p.Steps() {
		if err := p.runStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) runStep(ctx context.Context, step Step) error {
	log := p.log.With().Str("step", step.Name).Str("identity", step.Identity.Name).Logger()
	started := time.Now()

	status, checkErr := step.Check(ctx)
	switch status {
	case StatusSatisfied:
		log.Info().Msg("already satisfied, skipping")
		p.observe(StepResult{
			Step:     step.Name,
			Identity: step.Identity.Name,
			Outcome:  OutcomeSkipped,
			Started:  started,
			Finished: time.Now(),
		})
		return nil

	case StatusUnknown:
		if step.OnUnknown == AbortOnUnknown {
			err := &StepError{Step: step.Name, Err: checkErr}
			p.observe(StepResult{
				Step:     step.Name,
				Identity: step.Identity.Name,
				Outcome:  OutcomeFailed,
				Started:  started,
				Finished: time.Now(),
				Err:      err,
			})
			return err
		}
		log.Warn().Err(checkErr).Msg("check failed, treating as not satisfied")
	}

	log.Info().Msg("applying")
	if err := step.Apply(ctx); err != nil {
		stepErr := &StepError{Step: step.Name, Err: err}
		p.observe(StepResult{
			Step:     step.Name,
			Identity: step.Identity.Name,
			Outcome:  OutcomeFailed,
			Started:  started,
			Finished: time.Now(),
			Err:      stepErr,
		})
		return stepErr
	}

	p.observe(StepResult{
		Step:     step.Name,
		Identity: step.Identity.Name,
		Outcome:  OutcomeApplied,
		Started:  started,
		Finished: time.Now(),
	})
	return nil
}

// Check evaluates every guard read-only, in step order, without mutating
// any host state. Guards are re-evaluated fresh; results are never cached.
func (p *Provisioner) Check(ctx context.Context) []CheckResult {
	steps := p.Steps()
	results := make([]CheckResult, 0, len(steps))
	for _, step := range steps {
		status, err := step.Check(ctx)
		res := CheckResult{
			Step:     step.Name,
			Identity: step.Identity.Name,
			Status:   status,
		}
		if err != nil {
			res.Detail = err.Error()
		}
		results = append(results, res)
	}
	return results
}

func (p *Provisioner) observe(res StepResult) {
	if p.observer != nil {
		p.observer(res)
	}
}
