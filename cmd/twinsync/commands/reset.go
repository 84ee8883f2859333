package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <commit>",
		Short: "Restore the twin to an earlier snapshot",
		Long: `Restore the repository's files to the state recorded at the given
commit. The restoration is committed as a new snapshot, so history is
never rewritten and the reset is itself reversible.

Only the twin's files change; the machine converges on the restored
desired state through the next plan and apply.`,
		Example: `  # Restore the state recorded three snapshots ago
  twinsync reset HEAD~3

  # Restore a specific snapshot from history
  twinsync reset 4f2a91c3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			commit, err := app.core.ResetTo(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Restored state from %s as new snapshot %.12s\n", args[0], commit)
			fmt.Println("Run 'twinsync plan' to see what it takes to converge")
			return nil
		},
	}
	return cmd
}
