// Package postgres persists bus consumer markers so redelivered events are
// skipped across restarts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultMarkerTable = "consumer_marks"

var errMissingKey = errors.New("consumer marks: event id and consumer are required")

// ProcessedStore keeps one row per (consumer, event) pair.
type ProcessedStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// ProcessedOption configures the store.
type ProcessedOption func(*ProcessedStore)

// WithMarkerTable overrides the table name.
func WithMarkerTable(table string) ProcessedOption {
	return func(s *ProcessedStore) {
		if table != "" {
			s.table = table
		}
	}
}

// NewProcessedStore wraps db.
func NewProcessedStore(db *sql.DB, opts ...ProcessedOption) (*ProcessedStore, error) {
	if db == nil {
		return nil, errors.New("consumer marks: nil db")
	}
	s := &ProcessedStore{
		db:    db,
		table: defaultMarkerTable,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Table returns the marker table name.
func (s *ProcessedStore) Table() string {
	return s.table
}

// EnsureSchema creates the marker table and its age index.
func (s *ProcessedStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	consumer TEXT NOT NULL,
	event_id TEXT NOT NULL,
	marked_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (consumer, event_id)
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_marked_idx ON %s (marked_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("consumer marks: schema: %w", err)
		}
	}
	return nil
}

// HasProcessed reports whether consumer already handled eventID.
func (s *ProcessedStore) HasProcessed(ctx context.Context, eventID, consumer string) (bool, error) {
	if eventID == "" || consumer == "" {
		return false, errMissingKey
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE consumer = $1 AND event_id = $2`, s.table),
		consumer, eventID,
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("consumer marks: lookup: %w", err)
	}
	return true, nil
}

// MarkProcessed records the pair. Marking twice keeps the first timestamp.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID, consumer string) error {
	if eventID == "" || consumer == "" {
		return errMissingKey
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (consumer, event_id, marked_at) VALUES ($1, $2, $3)
ON CONFLICT (consumer, event_id) DO NOTHING`, s.table),
		consumer, eventID, s.now(),
	)
	if err != nil {
		return fmt.Errorf("consumer marks: insert: %w", err)
	}
	return nil
}

// Prune deletes markers older than age and returns how many went.
func (s *ProcessedStore) Prune(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE marked_at < $1`, s.table),
		s.now().Add(-age),
	)
	if err != nil {
		return 0, fmt.Errorf("consumer marks: prune: %w", err)
	}
	return res.RowsAffected()
}
