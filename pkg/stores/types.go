// Package stores provides the queryable run index: a SQLite database
// recording every apply run and its per-action outcomes, alongside the
// authoritative YAML records in the twin repository.
package stores

import (
	"context"

	"github.com/twinsync/twinsync/pkg/engine"
)

// RunStore persists and queries apply runs.
type RunStore interface {
	// RecordRun inserts or updates a run and its action results.
	RecordRun(ctx context.Context, run *engine.Run) error

	// GetRun retrieves a run by ID, including its action results.
	GetRun(ctx context.Context, id string) (*engine.Run, error)

	// ListRuns returns the most recent runs, newest first, without
	// their action results.
	ListRuns(ctx context.Context, limit int) ([]*engine.Run, error)

	// Close releases the underlying database.
	Close() error
}
