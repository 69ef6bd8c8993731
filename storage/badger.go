package storage

import (
	"context"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/teekit/securestore/interfaces"
)

const blobPrefix = "blob/"

// BadgerBackend stores blobs in an embedded badger database. It is the
// default backend for single-node deployments: durable, transactional, and
// needs no external service.
type BadgerBackend struct {
	db          *badger.DB
	log         *slog.Logger
	locationURI string
}

// NewBadgerBackend opens or creates a badger database at dir. An empty dir
// opens an in-memory database for tests.
func NewBadgerBackend(dir string, log *slog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	uri := fmt.Sprintf("badger://%s", dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
		uri = "badger://memory"
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}

	return &BadgerBackend{db: db, log: log, locationURI: uri}, nil
}

// Close releases the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// Store writes data under the location hint.
func (b *BadgerBackend) Store(ctx context.Context, locationHint string, data []byte) (interfaces.StorageLocation, error) {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blobPrefix+locationHint), data)
	})
	if err != nil {
		return interfaces.StorageLocation{}, backendErr(fmt.Errorf("writing blob: %w", err))
	}
	b.log.Debug("Stored blob to badger", "handle", locationHint, "size", len(data))
	return interfaces.StorageLocation{BackendURI: b.locationURI, Handle: locationHint}, nil
}

// Load reads the blob at a location.
func (b *BadgerBackend) Load(ctx context.Context, loc interfaces.StorageLocation) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blobPrefix + loc.Handle))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, notFoundErr(loc.Handle)
	}
	if err != nil {
		return nil, backendErr(fmt.Errorf("reading blob: %w", err))
	}
	return data, nil
}

// Overwrite replaces the blob at a location in place.
func (b *BadgerBackend) Overwrite(ctx context.Context, loc interfaces.StorageLocation, data []byte) error {
	key := []byte(blobPrefix + loc.Handle)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err == badger.ErrKeyNotFound {
		return notFoundErr(loc.Handle)
	}
	if err != nil {
		return backendErr(fmt.Errorf("overwriting blob: %w", err))
	}
	return nil
}

// Delete removes the blob at a location.
func (b *BadgerBackend) Delete(ctx context.Context, loc interfaces.StorageLocation) error {
	key := []byte(blobPrefix + loc.Handle)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err == badger.ErrKeyNotFound {
		return notFoundErr(loc.Handle)
	}
	if err != nil {
		return backendErr(fmt.Errorf("removing blob: %w", err))
	}
	return nil
}

// Available reports whether the database is open.
func (b *BadgerBackend) Available(ctx context.Context) bool {
	return !b.db.IsClosed()
}

// Name returns the backend identifier for logging.
func (b *BadgerBackend) Name() string {
	return "badger"
}

// LocationURI returns the URI identifying this backend.
func (b *BadgerBackend) LocationURI() string {
	return b.locationURI
}
