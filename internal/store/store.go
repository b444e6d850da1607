// Package store persists reconciled replica records and serves the
// time-ordered scans used for gap detection.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one reconciled replication result. Records are append-only and
// exist for audit and gap-fill history.
type Record struct {
	ID            uuid.UUID
	DataType      string
	Params        map[string]any
	ValidatedData map[string]any
	SourceCount   int
	Sources       []string
	ReplicatedAt  time.Time
}

// RecordStore is the persistence surface used by the replicator and the gap
// detector. Implementations: PostgresStore, MemoryStore.
type RecordStore interface {
	// Insert appends a replica record.
	Insert(ctx context.Context, rec *Record) error

	// RecentTimestamps returns the newest timestamps from the given table
	// column in descending order, up to limit.
	RecentTimestamps(ctx context.Context, table, column string, limit int) ([]time.Time, error)
}
