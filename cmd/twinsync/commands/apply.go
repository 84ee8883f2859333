package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twinsync/twinsync/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Execute the persisted plan",
		Long: `Execute the most recent plan action by action. Destructive actions
are backed up first; a failed action is recorded and the run continues
so one bad item never blocks the rest.

The plan is rejected if the repository moved since it was computed.`,
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

			plan, err := app.core.LoadPlan()
			if err != nil {
				return err
			}
			if plan.Empty() {
				fmt.Println("Plan is empty, nothing to do")
				return nil
			}

			run, err := app.core.Apply(ctx, plan)
			if engine.IsStaleness(err) {
				return fmt.Errorf("%w\nrun 'twinsync plan' to regenerate", err)
			}
			if run == nil {
				return err
			}

			printRun(run)
			if run.Status == engine.RunPartiallyFailed {
				return fmt.Errorf("%d of %d action(s) did not complete", run.Summary.Failed+run.Summary.Skipped, run.Summary.Total)
			}
			return err
		},
	}
	return cmd
}

func printRun(run *engine.Run) {
	fmt.Printf("Run %s: %s (%d succeeded, %d failed, %d skipped)\n",
		run.ID, run.Status, run.Summary.Succeeded, run.Summary.Failed, run.Summary.Skipped)
	for _, r := range run.Results {
		marker := "ok"
		if r.Outcome == engine.OutcomeFailure {
			marker = "FAILED"
		}
		fmt.Printf("  [%s] %s %s %s", marker, r.Action.Verb, r.Action.Domain, r.Action.Target)
		if r.Detail != "" {
			fmt.Printf(" (%s)", r.Detail)
		}
		fmt.Println()
	}
}
