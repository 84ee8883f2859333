package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded apply runs or show one run's details",
		Args:  cobra.MaximumNArgs(1),
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

			if len(args) == 1 {
				run, err := app.runStore.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				printRun(run)
				return nil
			}

			runs, err := app.runStore.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded yet")
				return nil
			}
			for _, run := range runs {
				fmt.Printf("%s  %s  %-17s %d/%d succeeded\n",
					run.ID, run.StartedAt.Format("2006-01-02 15:04:05"),
					run.Status, run.Summary.Succeeded, run.Summary.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	return cmd
}
