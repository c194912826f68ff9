package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"magicsaas-pipeline/internal/eventstore/domain"
)

const defaultTable = "system_events"

// Backend stores events in a Postgres table.
type Backend struct {
	db    *sql.DB
	table string
	owned bool
}

// Option configures the backend.
type Option func(*Backend)

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(b *Backend) {
		if table != "" {
			b.table = table
		}
	}
}

// WithOwnedDB makes Close also close the database handle.
func WithOwnedDB() Option {
	return func(b *Backend) {
		b.owned = true
	}
}

// NewBackend constructs a Postgres backend.
func NewBackend(db *sql.DB, opts ...Option) (*Backend, error) {
	if db == nil {
		return nil, errors.New("eventstore postgres: nil db")
	}
	b := &Backend{db: db, table: defaultTable}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// EnsureSchema creates the events table and its indexes when missing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	layer INTEGER NOT NULL,
	aggregate TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	data JSONB,
	metadata JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_aggregate_idx ON %s (aggregate, aggregate_id, seq)`, b.table, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_type_idx ON %s (type, seq)`, b.table, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_layer_idx ON %s (layer, seq)`, b.table, b.table),
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendBatch inserts events in one transaction; known ids are skipped.
func (b *Backend) AppendBatch(ctx context.Context, events []domain.SystemEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
INSERT INTO %s (id, type, layer, aggregate, aggregate_id, data, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`, b.table)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, event := range events {
		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			return err
		}
		var data any
		if len(event.Data) > 0 {
			data = []byte(event.Data)
		}
		if _, err := stmt.ExecContext(ctx, event.ID, event.Type, int(event.Layer), event.Aggregate, event.AggregateID, data, metadata); err != nil {
			return fmt.Errorf("insert event %s: %w", event.ID, err)
		}
	}
	return tx.Commit()
}

// LoadAggregate returns the aggregate's events from offset from.
func (b *Backend) LoadAggregate(ctx context.Context, aggregate, aggregateID string, from int) ([]domain.SystemEvent, error) {
	query := fmt.Sprintf(`
SELECT id, type, layer, aggregate, aggregate_id, data, metadata
FROM %s
WHERE aggregate = $1 AND aggregate_id = $2
ORDER BY seq ASC
OFFSET $3`, b.table)
	return b.query(ctx, query, aggregate, aggregateID, from)
}

// LoadByType returns the newest limit events of eventType, oldest first.
func (b *Backend) LoadByType(ctx context.Context, eventType string, limit int) ([]domain.SystemEvent, error) {
	query := fmt.Sprintf(`
SELECT id, type, layer, aggregate, aggregate_id, data, metadata FROM (
	SELECT seq, id, type, layer, aggregate, aggregate_id, data, metadata
	FROM %s
	WHERE type = $1
	ORDER BY seq DESC
	LIMIT $2
) recent
ORDER BY seq ASC`, b.table)
	return b.query(ctx, query, eventType, limit)
}

// LoadByLayer returns the newest limit events of layer, oldest first.
func (b *Backend) LoadByLayer(ctx context.Context, layer domain.Layer, limit int) ([]domain.SystemEvent, error) {
	query := fmt.Sprintf(`
SELECT id, type, layer, aggregate, aggregate_id, data, metadata FROM (
	SELECT seq, id, type, layer, aggregate, aggregate_id, data, metadata
	FROM %s
	WHERE layer = $1
	ORDER BY seq DESC
	LIMIT $2
) recent
ORDER BY seq ASC`, b.table)
	return b.query(ctx, query, int(layer), limit)
}

// Counts reports totals by type and layer.
func (b *Backend) Counts(ctx context.Context) (domain.Counts, error) {
	counts := domain.Counts{
		ByType:  make(map[string]int64),
		ByLayer: make(map[domain.Layer]int64),
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, layer, COUNT(*) FROM %s GROUP BY type, layer`, b.table))
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			eventType string
			layer     int
			n         int64
		)
		if err := rows.Scan(&eventType, &layer, &n); err != nil {
			return counts, err
		}
		counts.Total += n
		counts.ByType[eventType] += n
		counts.ByLayer[domain.Layer(layer)] += n
	}
	return counts, rows.Err()
}

// Close closes the database handle when the backend owns it.
func (b *Backend) Close() error {
	if b.owned {
		return b.db.Close()
	}
	return nil
}

func (b *Backend) query(ctx context.Context, query string, args ...any) ([]domain.SystemEvent, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.SystemEvent
	for rows.Next() {
		var (
			event    domain.SystemEvent
			layer    int
			data     []byte
			metadata []byte
		)
		if err := rows.Scan(&event.ID, &event.Type, &layer, &event.Aggregate, &event.AggregateID, &data, &metadata); err != nil {
			return nil, err
		}
		event.Layer = domain.Layer(layer)
		if len(data) > 0 {
			event.Data = data
		}
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", event.ID, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.SystemEvent{}
	}
	return events, nil
}
