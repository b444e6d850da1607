package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements RecordStore in memory. It backs nodes running
// without a configured DSN and the replicator tests.
type MemoryStore struct {
	mu      sync.Mutex
	records []*Record
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends a replica record.
func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

// RecentTimestamps returns record timestamps in descending order. The table
// and column arguments are accepted for interface parity and ignored.
func (s *MemoryStore) RecentTimestamps(_ context.Context, _, _ string, limit int) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timestamps := make([]time.Time, 0, len(s.records))
	for _, r := range s.records {
		timestamps = append(timestamps, r.ReplicatedAt)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].After(timestamps[j]) })
	if len(timestamps) > limit {
		timestamps = timestamps[:limit]
	}
	return timestamps, nil
}

// Records returns a snapshot of all inserted records.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}

// SeedTimestamps inserts bare records at the given times, oldest first.
// Used by gap-detection tests.
func (s *MemoryStore) SeedTimestamps(dataType string, times []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range times {
		s.records = append(s.records, &Record{DataType: dataType, ReplicatedAt: ts})
	}
}
