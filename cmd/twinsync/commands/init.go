package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the twin repository",
		Long: `Create the twin repository layout, initialize version control, and
seed the desired state from a first observation of the machine, so the
twin starts in sync with reality.`,
		Example: `  # Initialize under the default path
  twinsync init

  # Initialize a specific repository
  twinsync init --repo /var/lib/twinsync`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			if err := app.openRunStore(ctx); err != nil {
				return fmt.Errorf("opening run index: %w", err)
			}
			if err := app.core.Init(ctx); err != nil {
				return err
			}

			fmt.Printf("Initialized twin repository at %s\n", app.cfg.RepoRoot)
			return nil
		},
	}
	return cmd
}
