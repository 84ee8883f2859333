package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/twinsync/twinsync/pkg/fragment"
)

func newWatchCommand() *cobra.Command {
	var (
		debounce time.Duration
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the desired state and re-plan on change",
		Long: `Watch the desired-state directory and recompute the plan whenever a
fragment is edited, plus on a periodic snapshot interval so live drift
is noticed too. Edits are debounced so a burst of writes triggers one
planning pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer app.close(ctx)
			app.serveMetrics()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("creating watcher: %w", err)
			}
			defer watcher.Close()

			stateDir := filepath.Join(app.cfg.RepoRoot, fragment.DesiredDir)
			if err := watcher.Add(stateDir); err != nil {
				return fmt.Errorf("watching %s: %w", stateDir, err)
			}

			app.logger.WithField("dir", stateDir).Info("watching desired state")

			replan := func() {
				if _, err := app.core.Snapshot(ctx); err != nil {
					app.logger.WithError(err).Error("snapshot failed")
					return
				}
				plan, schemaErrors, err := app.core.BuildPlan(ctx)
				printSchemaErrors(schemaErrors)
				if err != nil {
					app.logger.WithError(err).Error("planning failed")
					return
				}
				printPlan(plan)
			}
			replan()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			var pending *time.Timer
			pendingC := make(chan struct{}, 1)

			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
						continue
					}
					if pending != nil {
						pending.Stop()
					}
					pending = time.AfterFunc(debounce, func() {
						select {
						case pendingC <- struct{}{}:
						default:
						}
					})
				case <-pendingC:
					replan()
				case <-ticker.C:
					replan()
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					app.logger.WithError(err).Warn("watch error")
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "quiet period after an edit before re-planning")
	cmd.Flags().DurationVar(&interval, "interval", 15*time.Minute, "periodic snapshot interval")
	return cmd
}
