// Package store keeps the run history of a worker in SQLite.
package store

import (
	"context"

	"github.com/me/tasknode/pkg/model"
)

// Store defines the run-history journal.
type Store interface {
	RecordRun(ctx context.Context, rec model.RunRecord) error
	ListRuns(ctx context.Context, q model.RunQuery) ([]model.RunRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
