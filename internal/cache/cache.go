package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Cache is a TTL key-value cache backed by Badger. It is an optimization
// layer: callers must treat every lookup as fallible and recompute on miss.
type Cache struct {
	db *badger.DB
}

// Open creates a Cache persisted under dir. An empty dir opens an in-memory
// cache (used by tests).
func Open(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached value, or false on miss or expiry.
func (c *Cache) Get(key string) ([]byte, bool) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	return val, true
}

// Set stores the value with the given TTL. A non-positive TTL stores the
// entry without expiry. Badger tracks expiry at one-second granularity, so
// shorter TTLs are rounded up to a second rather than expiring immediately.
func (c *Cache) Set(key string, val []byte, ttl time.Duration) error {
	if ttl > 0 && ttl < time.Second {
		ttl = time.Second
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), val)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Delete removes the entry; deleting a missing key is a no-op.
func (c *Cache) Delete(key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}
