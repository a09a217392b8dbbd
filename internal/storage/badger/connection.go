package badger

import (
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB manages the badgerhold connection backing the scan and render
// job queues. Distinct from internal/kv.BadgerStore, which opens the raw
// dgraph-io/badger database used for rules/dedup/breaker/reverify state.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	path   string
}

// NewBadgerDB opens (creating if absent) the badgerhold database at path.
func NewBadgerDB(path string, logger arbor.ILogger) (*BadgerDB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	logger.Debug().Str("path", path).Msg("opening badgerhold queue database")

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // disable Badger's default logger, use arbor instead

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badgerhold queue database: %w", err)
	}

	return &BadgerDB{store: store, logger: logger, path: path}, nil
}

// Store returns the underlying badgerhold store.
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Close closes the database connection.
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
