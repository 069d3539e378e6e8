package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devstrap/devstrap/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration (embedded defaults plus the optional --config
file) and check it against its declared constraints.`,
		Example: `  devstrap validate
  devstrap validate --config ./devstrap.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration valid: %d packages, %d runtimes, %d frameworks\n",
				len(cfg.Packages), len(cfg.Runtimes), len(cfg.Frameworks))
			return nil
		},
	}

	return cmd
}
