package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [from to]",
		Short: "List recorded snapshots, or show the difference between two",
		Example: `  # List the last 20 snapshots
  twinsync history

  # Show what changed between two snapshots
  twinsync history 4f2a91c3 HEAD`,
		Args: cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			if len(args) == 1 {
				return fmt.Errorf("diff needs two snapshots; got one")
			}
			if len(args) == 2 {
				diff, err := app.core.DiffSnapshots(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if diff == "" {
					fmt.Println("No difference between the two snapshots")
					return nil
				}
				fmt.Println(diff)
				return nil
			}

			commits, err := app.core.History(ctx, limit)
			if err != nil {
				return err
			}
			if len(commits) == 0 {
				fmt.Println("No snapshots recorded yet")
				return nil
			}

			for _, c := range commits {
				fmt.Printf("%.12s  %s  %s\n", c.ID, c.Timestamp.Format("2006-01-02 15:04:05"), c.Message)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of snapshots to list")
	return cmd
}
