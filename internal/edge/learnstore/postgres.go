package learnstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wayfarerhq/voicepipe/internal/edge"
)

// Schema is the SQL DDL for the edge_learning table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS edge_learning (
    rule_id          TEXT NOT NULL,
    pattern          TEXT NOT NULL,
    hits             BIGINT NOT NULL DEFAULT 0,
    successes        BIGINT NOT NULL DEFAULT 0,
    total_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_used        TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (rule_id, pattern)
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface check.
var _ edge.Store = (*PostgresStore)(nil)

// PostgresStore is an [edge.Store] backed by a PostgreSQL database, one row
// per (rule, pattern) pair.
type PostgresStore struct {
	db DB
}

// NewPostgresStore creates a PostgresStore using the given connection or
// pool. The caller is responsible for calling [PostgresStore.Migrate] to
// ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the edge_learning table if it
// does not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("learnstore: migrate: %w", err)
	}
	return nil
}

// Load implements [edge.Store].
func (s *PostgresStore) Load(ctx context.Context) (edge.LearningData, error) {
	const query = `
		SELECT rule_id, pattern, hits, successes, total_confidence, last_used
		FROM edge_learning`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("learnstore: load: %w", err)
	}
	defer rows.Close()

	data := make(edge.LearningData)
	for rows.Next() {
		var stats edge.PatternStats
		if err := rows.Scan(
			&stats.RuleID, &stats.Pattern, &stats.Hits, &stats.Successes,
			&stats.TotalConfidence, &stats.LastUsed,
		); err != nil {
			return nil, fmt.Errorf("learnstore: load scan: %w", err)
		}
		data[stats.RuleID+"|"+stats.Pattern] = &stats
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("learnstore: load: %w", err)
	}
	return data, nil
}

// Save implements [edge.Store]. Each entry is upserted; entries absent from
// data are left untouched so concurrent writers only ever add information.
func (s *PostgresStore) Save(ctx context.Context, data edge.LearningData) error {
	const query = `
		INSERT INTO edge_learning (rule_id, pattern, hits, successes, total_confidence, last_used)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (rule_id, pattern) DO UPDATE SET
			hits = EXCLUDED.hits,
			successes = EXCLUDED.successes,
			total_confidence = EXCLUDED.total_confidence,
			last_used = EXCLUDED.last_used`

	for _, stats := range data {
		if _, err := s.db.Exec(ctx, query,
			stats.RuleID, stats.Pattern, stats.Hits, stats.Successes,
			stats.TotalConfidence, stats.LastUsed,
		); err != nil {
			return fmt.Errorf("learnstore: save %s|%s: %w", stats.RuleID, stats.Pattern, err)
		}
	}
	return nil
}

// Close implements [edge.Store], releasing the underlying pool or connection
// when it exposes a Close method.
func (s *PostgresStore) Close() error {
	switch db := s.db.(type) {
	case interface{ Close() }:
		db.Close()
	case interface{ Close(context.Context) error }:
		return db.Close(context.Background())
	}
	return nil
}
