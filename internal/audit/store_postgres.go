package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists exception records in postgres via database/sql.
// The lib/pq driver is registered by the daemon entry point.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the exception table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_exceptions (
			id UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			direction TEXT NOT NULL,
			source_entity_id TEXT NOT NULL,
			source_external_id TEXT NOT NULL DEFAULT '',
			counterpart_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure audit_exceptions schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec ExceptionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_exceptions
			(id, created_at, direction, source_entity_id, source_external_id, counterpart_id, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Timestamp, string(rec.Direction), rec.SourceEntityID,
		rec.SourceExternalID, rec.CounterpartID, rec.Message,
	)
	if err != nil {
		return fmt.Errorf("insert audit exception: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]ExceptionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, direction, source_entity_id, source_external_id, counterpart_id, message
		FROM audit_exceptions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit exceptions: %w", err)
	}
	defer rows.Close()

	var records []ExceptionRecord
	for rows.Next() {
		var rec ExceptionRecord
		var direction string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &direction, &rec.SourceEntityID,
			&rec.SourceExternalID, &rec.CounterpartID, &rec.Message); err != nil {
			return nil, fmt.Errorf("scan audit exception: %w", err)
		}
		rec.Direction = Direction(direction)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit exceptions: %w", err)
	}
	return records, nil
}
