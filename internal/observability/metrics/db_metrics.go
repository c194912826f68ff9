package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const tableQueryTimeout = 2 * time.Second

// TableGauge exposes the row count of one table as a gauge.
type TableGauge struct {
	Name  string
	Help  string
	Table string
}

// RegisterTableGauges registers a row count gauge per table. Scrapes that
// fail report zero and log a warning.
func RegisterTableGauges(db *sql.DB, logger zerolog.Logger, gauges ...TableGauge) error {
	if db == nil {
		return nil
	}
	for _, g := range gauges {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", g.Table)
		table := g.Table
		collector := prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: metricPrefix + g.Name, Help: g.Help},
			func() float64 { return countRows(db, logger, table, query) },
		)
		if err := prometheus.Register(collector); err != nil {
			return fmt.Errorf("metrics: register %s: %w", g.Name, err)
		}
	}
	return nil
}

func countRows(db *sql.DB, logger zerolog.Logger, table, query string) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), tableQueryTimeout)
	defer cancel()
	var n int64
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		logger.Warn().Err(err).Str("table", table).Msg("row count query failed")
		return 0
	}
	return float64(max(n, 0))
}
