package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devstrap/devstrap/pkg/config"
	"github.com/devstrap/devstrap/pkg/journal"
	"github.com/devstrap/devstrap/pkg/provision"
	"github.com/devstrap/devstrap/pkg/system"
)

const defaultJournalPath = "/var/lib/devstrap/devstrap.db"

func newUpCommand() *cobra.Command {
	var journalPath string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Provision the machine",
		Long: `Run the full provisioning sequence.

This command:
  - Verifies it was started with administrative privilege
  - Resolves the target user (environment variable, default from config)
  - Executes every step in fixed order, skipping already satisfied ones
  - Records the run and per-step outcomes in the local journal
  - Stops at the first unrecovered failure`,
		Example: `  # Provision for root (self-provisioning)
  sudo devstrap up

  # Provision and delegate to a named user
  sudo DEVSTRAP_USER=dev devstrap up`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Fail fast, before any step touches state.
			if err := provision.Preflight(); err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			target := system.ResolveTarget(cfg.UserEnvVar, cfg.DefaultUser)
			log.Info().
				Str("user", target.Name).
				Str("home", target.Home).
				Msg("Starting provisioning")

			ctx := cmd.Context()
			store := openJournal(ctx, journalPath)
			run := journal.NewRun(target.Name)
			if store != nil {
				defer store.Close()
				if err := store.CreateRun(ctx, run); err != nil {
					log.Warn().Err(err).Msg("failed to record run, continuing without journal")
					store = nil
				}
			}

			runner := system.NewLocalRunner(log.Logger)
			p := provision.New(cfg, runner, target, log.Logger,
				provision.WithObserver(stepRecorder(ctx, store, run.ID)))

			runErr := p.Run(ctx)
			finishRun(ctx, store, run.ID, runErr)
			if runErr != nil {
				return runErr
			}

			log.Info().Msg("Provisioning complete")
			if !target.Admin {
				fmt.Printf("Environment ready. Switch into it with: su - %s\n", target.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", defaultJournalPath, "run journal database path")

	return cmd
}

// openJournal opens the run journal, returning nil when it cannot be
// opened. Journaling is best-effort and never blocks provisioning.
func openJournal(ctx context.Context, path string) *journal.Store {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warn().Err(err).Msg("failed to create journal directory, continuing without journal")
		return nil
	}
	store, err := journal.Open(ctx, path)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open journal, continuing without journal")
		return nil
	}
	return store
}

func stepRecorder(ctx context.Context, store *journal.Store, runID string) func(provision.StepResult) {
	return func(res provision.StepResult) {
		if store == nil {
			return
		}
		rec := &journal.StepRecord{
			ID:        uuid.NewString(),
			RunID:     runID,
			Name:      res.Step,
			Identity:  res.Identity,
			Outcome:   string(res.Outcome),
			StartedAt: res.Started,
		}
		ended := res.Finished
		rec.EndedAt = &ended
		if res.Err != nil {
			msg := res.Err.Error()
			rec.Error = &msg
		}
		if err := store.RecordStep(ctx, rec); err != nil {
			log.Warn().Err(err).Str("step", res.Step).Msg("failed to record step outcome")
		}
	}
}

func finishRun(ctx context.Context, store *journal.Store, runID string, runErr error) {
	if store == nil {
		return
	}
	status := journal.RunStatusCompleted
	var errMsg *string
	if runErr != nil {
		status = journal.RunStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := store.FinishRun(ctx, runID, status, errMsg); err != nil {
		log.Warn().Err(err).Msg("failed to finish run record")
	}
}
