package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// identifierPattern guards table and column names interpolated into queries;
// identifiers cannot be bound as parameters.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore implements RecordStore on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL with the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the replica_records table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS replica_records (
			id             UUID PRIMARY KEY,
			data_type      TEXT NOT NULL,
			params         JSONB NOT NULL,
			validated_data JSONB NOT NULL,
			source_count   INT NOT NULL,
			sources        JSONB NOT NULL,
			replicated_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_replica_records_replicated_at
			ON replica_records (replicated_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Insert appends a replica record.
func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	validated, err := json.Marshal(rec.ValidatedData)
	if err != nil {
		return fmt.Errorf("marshal validated data: %w", err)
	}
	sources, err := json.Marshal(rec.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	query := `
		INSERT INTO replica_records (
			id, data_type, params, validated_data, source_count, sources, replicated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = s.pool.Exec(ctx, query,
		rec.ID,
		rec.DataType,
		params,
		validated,
		rec.SourceCount,
		sources,
		rec.ReplicatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert replica record: %w", err)
	}
	return nil
}

// RecentTimestamps returns the newest timestamps in the given column,
// descending, up to limit.
func (s *PostgresStore) RecentTimestamps(ctx context.Context, table, column string, limit int) ([]time.Time, error) {
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if !identifierPattern.MatchString(column) {
		return nil, fmt.Errorf("invalid column name %q", column)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s DESC LIMIT $1`, column, table, column)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("scan timestamps: %w", err)
	}
	defer rows.Close()

	timestamps := make([]time.Time, 0, limit)
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan timestamp row: %w", err)
		}
		timestamps = append(timestamps, ts)
	}
	return timestamps, rows.Err()
}
