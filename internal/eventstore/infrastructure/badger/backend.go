// Package badger stores events in an embedded Badger database.
//
// Layout:
//
//	ev/<seq>                       JSON-encoded SystemEvent
//	id/<event id>                  seq, for id deduplication
//	agg/<aggregate>/<id>/<seq>     aggregate index
//	type/<type>/<seq>              type index
//	layer/<layer>/<seq>            layer index
//
// seq is a zero-padded decimal so lexical order equals append order.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"magicsaas-pipeline/internal/eventstore/domain"
)

const (
	seqKey       = "meta/seq"
	seqBandwidth = 1000
	seqWidth     = 20
)

// Options configures the backend.
type Options struct {
	// Path is the data directory; ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   zerolog.Logger
}

// Backend is a Badger-backed event log.
type Backend struct {
	db  *badgerdb.DB
	seq *badgerdb.Sequence
}

// Open opens or creates the database.
func Open(opts Options) (*Backend, error) {
	var bopts badgerdb.Options
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("eventstore badger: empty path")
		}
		bopts = badgerdb.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(badgerLogger{logger: opts.Logger.With().Str("component", "badger").Logger()})

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("eventstore badger: open: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore badger: sequence: %w", err)
	}
	return &Backend{db: db, seq: seq}, nil
}

// AppendBatch writes the batch in a single transaction.
func (b *Backend) AppendBatch(ctx context.Context, events []domain.SystemEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badgerdb.Txn) error {
		for _, event := range events {
			idKey := []byte("id/" + event.ID)
			if _, err := txn.Get(idKey); err == nil {
				continue
			} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}
			n, err := b.seq.Next()
			if err != nil {
				return err
			}
			seq := formatSeq(n)
			payload, err := json.Marshal(event)
			if err != nil {
				return err
			}
			writes := []struct {
				key   string
				value []byte
			}{
				{key: "ev/" + seq, value: payload},
				{key: string(idKey), value: []byte(seq)},
				{key: aggPrefix(event.Aggregate, event.AggregateID) + seq},
				{key: typePrefix(event.Type) + seq},
				{key: layerPrefix(event.Layer) + seq},
			}
			for _, w := range writes {
				if err := txn.Set([]byte(w.key), w.value); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// LoadAggregate returns the aggregate's events from offset from.
func (b *Backend) LoadAggregate(ctx context.Context, aggregate, aggregateID string, from int) ([]domain.SystemEvent, error) {
	events := []domain.SystemEvent{}
	position := 0
	err := b.db.View(func(txn *badgerdb.Txn) error {
		return b.scan(ctx, txn, aggPrefix(aggregate, aggregateID), false, func(event domain.SystemEvent) bool {
			if event.Aggregate != aggregate || event.AggregateID != aggregateID {
				return true
			}
			if position >= from {
				events = append(events, event)
			}
			position++
			return true
		})
	})
	return events, err
}

// LoadByType returns the newest limit events of eventType, oldest first.
func (b *Backend) LoadByType(ctx context.Context, eventType string, limit int) ([]domain.SystemEvent, error) {
	return b.loadRecent(ctx, typePrefix(eventType), limit, func(event domain.SystemEvent) bool {
		return event.Type == eventType
	})
}

// LoadByLayer returns the newest limit events of layer, oldest first.
func (b *Backend) LoadByLayer(ctx context.Context, layer domain.Layer, limit int) ([]domain.SystemEvent, error) {
	return b.loadRecent(ctx, layerPrefix(layer), limit, func(event domain.SystemEvent) bool {
		return event.Layer == layer
	})
}

func (b *Backend) loadRecent(ctx context.Context, prefix string, limit int, match func(domain.SystemEvent) bool) ([]domain.SystemEvent, error) {
	var newest []domain.SystemEvent
	err := b.db.View(func(txn *badgerdb.Txn) error {
		return b.scan(ctx, txn, prefix, true, func(event domain.SystemEvent) bool {
			if !match(event) {
				return true
			}
			newest = append(newest, event)
			return limit <= 0 || len(newest) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	events := make([]domain.SystemEvent, 0, len(newest))
	for i := len(newest) - 1; i >= 0; i-- {
		events = append(events, newest[i])
	}
	return events, nil
}

// Counts reports totals from the type and layer indexes.
func (b *Backend) Counts(ctx context.Context) (domain.Counts, error) {
	counts := domain.Counts{
		ByType:  make(map[string]int64),
		ByLayer: make(map[domain.Layer]int64),
	}
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte("type/")); it.ValidForPrefix([]byte("type/")); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key())
			name := key[len("type/"):strings.LastIndexByte(key, '/')]
			counts.ByType[name]++
			counts.Total++
		}
		for it.Seek([]byte("layer/")); it.ValidForPrefix([]byte("layer/")); it.Next() {
			key := string(it.Item().Key())
			n, err := strconv.Atoi(key[len("layer/"):strings.LastIndexByte(key, '/')])
			if err != nil {
				return fmt.Errorf("eventstore badger: corrupt layer key %q", key)
			}
			counts.ByLayer[domain.Layer(n)]++
		}
		return nil
	})
	return counts, err
}

// Close releases the sequence and closes the database.
func (b *Backend) Close() error {
	return errors.Join(b.seq.Release(), b.db.Close())
}

// scan walks index keys under prefix and loads each referenced event;
// visit returns false to stop.
func (b *Backend) scan(ctx context.Context, txn *badgerdb.Txn, prefix string, reverse bool, visit func(domain.SystemEvent) bool) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = reverse
	opts.Prefix = []byte(prefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := []byte(prefix)
	if reverse {
		seek = append([]byte(prefix), 0xFF)
	}
	for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := string(it.Item().Key())
		seq := key[strings.LastIndexByte(key, '/')+1:]
		event, err := loadEvent(txn, seq)
		if err != nil {
			return err
		}
		if !visit(event) {
			return nil
		}
	}
	return nil
}

func loadEvent(txn *badgerdb.Txn, seq string) (domain.SystemEvent, error) {
	var event domain.SystemEvent
	item, err := txn.Get([]byte("ev/" + seq))
	if err != nil {
		return event, fmt.Errorf("eventstore badger: load %s: %w", seq, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &event)
	})
	return event, err
}

func formatSeq(n uint64) string {
	s := strconv.FormatUint(n, 10)
	return strings.Repeat("0", seqWidth-len(s)) + s
}

func aggPrefix(aggregate, aggregateID string) string {
	return "agg/" + aggregate + "/" + aggregateID + "/"
}

func typePrefix(eventType string) string {
	return "type/" + eventType + "/"
}

func layerPrefix(layer domain.Layer) string {
	return "layer/" + strconv.Itoa(int(layer)) + "/"
}
