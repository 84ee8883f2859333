package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report drift between desired and observed state",
		Long: `Collect fresh observations and report how far the machine has
drifted from the desired state, without committing or mutating
anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			drift, err := app.core.Status(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Repository at %.12s\n", drift.Head)
			if len(drift.StaleDomains) > 0 {
				fmt.Printf("Stale observations: %s\n", strings.Join(drift.StaleDomains, ", "))
			}
			printSchemaErrors(drift.SchemaErrors)

			if drift.InSync() {
				fmt.Println("In sync: no pending actions")
				return nil
			}

			fmt.Printf("%d pending action(s):\n", drift.Total)
			domains := make([]string, 0, len(drift.ActionsByDomain))
			for d := range drift.ActionsByDomain {
				domains = append(domains, d)
			}
			sort.Strings(domains)
			for _, d := range domains {
				fmt.Printf("  %-9s %d\n", d, drift.ActionsByDomain[d])
			}
			return nil
		},
	}
	return cmd
}
