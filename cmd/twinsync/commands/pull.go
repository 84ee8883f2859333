package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twinsync/twinsync/pkg/gitstore"
)

func newPullCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Fast-forward the twin from its configured remote",
		Long: `Fetch the remote mirror and fast-forward the local repository. The
twin never merges; if the histories diverged the pull fails and the
local repository is left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			if err := app.core.Pull(ctx); err != nil {
				if errors.Is(err, gitstore.ErrNoRemote) {
					return fmt.Errorf("no remote configured; set remote.url in %s", app.cfg.RepoRoot)
				}
				return err
			}
			fmt.Println("Up to date with remote")
			return nil
		},
	}
	return cmd
}
