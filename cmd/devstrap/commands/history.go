package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/devstrap/devstrap/pkg/journal"
)

func newHistoryCommand() *cobra.Command {
	var (
		journalPath string
		runID       string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded provisioning runs",
		Long: `List runs recorded in the local journal, most recent first. With
--run, show the per-step outcomes of a single run.`,
		Example: `  devstrap history
  devstrap history --run 6ba7b810-9dad-11d1-80b4-00c04fd430c8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := journal.Open(ctx, journalPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID != "" {
				steps, err := store.ListSteps(ctx, runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(steps)
				}
				fmt.Printf("%-24s %-12s %-10s %s\n", "STEP", "IDENTITY", "OUTCOME", "ERROR")
				for _, rec := range steps {
					errMsg := ""
					if rec.Error != nil {
						errMsg = *rec.Error
					}
					fmt.Printf("%-24s %-12s %-10s %s\n", rec.Name, rec.Identity, rec.Outcome, errMsg)
				}
				return nil
			}

			runs, err := store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			fmt.Printf("%-36s %-10s %-10s %-20s %s\n", "RUN", "USER", "STATUS", "STARTED", "ERROR")
			for _, run := range runs {
				errMsg := ""
				if run.Error != nil {
					errMsg = *run.Error
				}
				fmt.Printf("%-36s %-10s %-10s %-20s %s\n",
					run.ID, run.User, run.Status,
					run.StartedAt.Format(time.RFC3339), errMsg)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", defaultJournalPath, "run journal database path")
	cmd.Flags().StringVar(&runID, "run", "", "show step outcomes for a single run")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")

	return cmd
}
