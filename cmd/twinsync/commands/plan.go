package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/twinsync/twinsync/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var snapshotFirst bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the actions that reconcile the machine",
		Long: `Diff the desired state against the last observed state and persist
the resulting plan. The plan records the commit it was computed from
and is only valid while the repository stays at that commit.`,
		Example: `  # Plan against the last snapshot
  twinsync plan

  # Take a fresh snapshot first
  twinsync plan --snapshot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			if snapshotFirst {
				if _, err := app.core.Snapshot(ctx); err != nil {
					return err
				}
			}

			plan, schemaErrors, err := app.core.BuildPlan(ctx)
			printSchemaErrors(schemaErrors)
			if err != nil {
				return err
			}

			printPlan(plan)
			return nil
		},
	}

	cmd.Flags().BoolVar(&snapshotFirst, "snapshot", false, "take a fresh snapshot before planning")
	return cmd
}

// printSchemaErrors reports skipped domains in deterministic order.
func printSchemaErrors(errs map[string]error) {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("warning: domain %s skipped: %v\n", k, errs[k])
	}
}

func printPlan(plan *engine.Plan) {
	if plan.Empty() {
		fmt.Println("In sync: no actions required")
		return
	}
	fmt.Printf("Plan %s (base %.12s), %d action(s):\n", plan.ID, plan.BaseCommit, len(plan.Actions))
	for _, a := range plan.Actions {
		fmt.Printf("  %-9s %-8s %s\n", a.Verb, a.Domain, a.Target)
	}
}
