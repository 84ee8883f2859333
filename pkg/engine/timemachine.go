package engine

import (
	"context"
	"fmt"

	"github.com/twinsync/twinsync/pkg/gitstore"
	"github.com/twinsync/twinsync/pkg/telemetry"
)

// TimeMachine navigates the twin repository's snapshot history. Resets
// are forward-only: restoring an old snapshot produces a new commit
// with the old tree, so history is never rewritten and every reset is
// itself recorded and reversible.
type TimeMachine struct {
	git    *gitstore.Store
	logger *telemetry.Logger
}

// NewTimeMachine creates a time machine over the given repository.
func NewTimeMachine(git *gitstore.Store, logger *telemetry.Logger) *TimeMachine {
	return &TimeMachine{
		git:    git,
		logger: logger.NewComponentLogger("timemachine"),
	}
}

// History returns the most recent snapshot commits, newest first.
func (t *TimeMachine) History(ctx context.Context, limit int) ([]gitstore.CommitInfo, error) {
	commits, err := t.git.History(ctx, limit)
	if err != nil {
		return nil, NewVersionStoreError("reading history", err)
	}
	return commits, nil
}

// ResetTo restores the repository's working tree to the state recorded
// at ref and commits the restoration as a new snapshot. It returns the
// new commit's ID.
func (t *TimeMachine) ResetTo(ctx context.Context, ref string) (string, error) {
	target, err := t.git.Resolve(ctx, ref)
	if err != nil {
		return "", NewVersionStoreError(fmt.Sprintf("resolving %q", ref), err)
	}

	if err := t.git.RestoreTo(ctx, target); err != nil {
		return "", NewVersionStoreError("restoring working tree", err)
	}

	commit, err := t.git.CommitAll(ctx, fmt.Sprintf("reset: restore state from %.12s", target))
	if err != nil {
		return "", NewVersionStoreError("committing restored state", err)
	}

	t.logger.WithCommit(commit).WithField("restored_from", target).Info("state restored")
	return commit, nil
}
