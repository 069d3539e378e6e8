package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devstrap/devstrap/pkg/config"
	"github.com/devstrap/devstrap/pkg/provision"
	"github.com/devstrap/devstrap/pkg/system"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report guard status without changing anything",
		Long: `Evaluate every step's idempotency guard read-only and report whether
the step is satisfied, pending, or its check could not be completed. No
host state is mutated.`,
		Example: `  sudo devstrap check
  sudo DEVSTRAP_USER=dev devstrap check --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Guards impersonate the target user, so the same privilege
			// preflight applies.
			if err := provision.Preflight(); err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			target := system.ResolveTarget(cfg.UserEnvVar, cfg.DefaultUser)
			runner := system.NewLocalRunner(log.Logger)
			p := provision.New(cfg, runner, target, log.Logger)

			results := p.Check(cmd.Context())

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			fmt.Printf("%-24s %-12s %-10s %s\n", "STEP", "IDENTITY", "STATUS", "DETAIL")
			for _, res := range results {
				fmt.Printf("%-24s %-12s %-10s %s\n", res.Step, res.Identity, res.Status, res.Detail)
			}
			return nil
		},
	}

	return cmd
}
