package kvstore

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// Badger is the on-device durable store.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger database in dir. An empty dir
// runs an in-memory instance.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, persistenceError("open", dir, err)
	}
	return &Badger{db: db}, nil
}

// Get implements Store.
func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistenceError("get", key, err)
	}
	return out, nil
}

// Set implements Store.
func (b *Badger) Set(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return persistenceError("set", key, err)
	}
	return nil
}

// Remove implements Store.
func (b *Badger) Remove(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return persistenceError("remove", key, err)
	}
	return nil
}

// Close implements Store.
func (b *Badger) Close() error { return b.db.Close() }
