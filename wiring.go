package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/config"
	"magicsaas-pipeline/internal/eventing"
	esapp "magicsaas-pipeline/internal/eventstore/application"
	esdomain "magicsaas-pipeline/internal/eventstore/domain"
	"magicsaas-pipeline/internal/eventstore/infrastructure/badger"
	"magicsaas-pipeline/internal/eventstore/infrastructure/memory"
	espostgres "magicsaas-pipeline/internal/eventstore/infrastructure/postgres"
)

// openBackend returns the configured backend and, for postgres, the shared pool.
func openBackend(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (esdomain.Backend, *sql.DB, error) {
	switch cfg.Backend {
	case "memory":
		return memory.NewBackend(), nil, nil
	case "badger":
		backend, err := badger.Open(badger.Options{Path: cfg.BadgerPath, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return backend, nil, nil
	case "postgres":
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db open: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		backend, err := espostgres.NewBackend(db, espostgres.WithTable(cfg.Table), espostgres.WithOwnedDB())
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if err := backend.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return backend, db, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func newStore(backend esdomain.Backend, cfg *config.Config, bus *eventing.Bus, logger zerolog.Logger) (*esapp.Store, error) {
	opts := []esapp.Option{
		esapp.WithFlushSize(cfg.Store.FlushSize),
		esapp.WithFlushInterval(cfg.Store.FlushInterval),
		esapp.WithBufferWarnSize(cfg.Store.BufferWarnSize),
		esapp.WithFlushTimeout(cfg.Store.FlushTimeout),
		esapp.WithDefaultTenant(cfg.MQTT.Tenant),
	}
	if bus != nil {
		opts = append(opts, esapp.WithBus(bus))
	}
	return esapp.NewStore(backend, logger, opts...)
}
