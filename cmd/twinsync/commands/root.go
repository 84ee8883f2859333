package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	repoFlag string
	verbose  bool
)

// defaultRepoRoot resolves the twin repository path: the --repo flag,
// then $TWINSYNC_REPO, then ~/.twinsync.
func defaultRepoRoot() string {
	if repoFlag != "" {
		return repoFlag
	}
	if env := os.Getenv("TWINSYNC_REPO"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".twinsync"
	}
	return filepath.Join(home, ".twinsync")
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "twinsync",
		Short: "TwinSync - configuration digital twin for a single machine",
		Long: `TwinSync maintains a versioned digital twin of this machine's
configuration: installed packages, systemd services, mirrored files,
and startup entries.

The twin repository holds desired state (state/) and observed state
(live/) side by side. Snapshots record reality, plans compute the
actions that move reality toward the desired state, and every change
is committed so any earlier snapshot can be restored.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&repoFlag, "repo", "r", "", "twin repository path (default $TWINSYNC_REPO or ~/.twinsync)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newPullCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
