package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record the machine's current state",
		Long: `Collect every enabled domain's live state, overwrite the observed
fragments, and commit the result. Domains that fail to collect keep
their previous observation, marked stale.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			result, err := app.core.Snapshot(ctx)
			if err != nil {
				return err
			}

			if result.Changed {
				fmt.Printf("Snapshot committed: %.12s\n", result.Commit)
			} else {
				fmt.Println("No drift since the last snapshot")
			}
			fmt.Printf("Collected: %s\n", strings.Join(result.Collected, ", "))
			if len(result.Stale) > 0 {
				fmt.Printf("Stale (collection failed): %s\n", strings.Join(result.Stale, ", "))
			}
			return nil
		},
	}
	return cmd
}
