package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check desired state fragments against their schemas",
		Long: `Validate every enabled domain's desired fragment without touching
the live system. Exits non-zero when any fragment is malformed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			errs := app.core.Validate()
			if len(errs) == 0 {
				fmt.Println("All desired fragments are valid")
				return nil
			}

			domains := make([]string, 0, len(errs))
			for d := range errs {
				domains = append(domains, d)
			}
			sort.Strings(domains)
			for _, d := range domains {
				fmt.Printf("%s: %v\n", d, errs[d])
			}
			return fmt.Errorf("%d domain(s) failed validation", len(errs))
		},
	}
	return cmd
}
