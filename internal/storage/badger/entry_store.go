// Package badger provides an embedded Badger-backed L2 cache tier for
// single-host deployments.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
)

const keyPrefix = "entry:"

// Config selects the database directory. An empty Dir opens an in-memory
// database.
type Config struct {
	Dir string `mapstructure:"dir"`
}

// EntryStore keeps cache entries in Badger with native per-key TTL.
type EntryStore struct {
	// writeMu serializes read-compare-write so concurrent puts never
	// conflict inside Badger.
	writeMu sync.Mutex
	db      *badgerdb.DB
	owned   bool
	now     func() time.Time
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*EntryStore, error) {
	opts := badgerdb.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	store := NewEntryStoreWithDB(db)
	store.owned = true
	return store, nil
}

// NewEntryStoreWithDB wraps an already open database.
func NewEntryStoreWithDB(db *badgerdb.DB) *EntryStore {
	return &EntryStore{db: db, now: time.Now}
}

func key(fp string) []byte {
	return []byte(keyPrefix + fp)
}

// Get loads an entry by fingerprint.
func (s *EntryStore) Get(_ context.Context, fingerprint string) (cache.Entry, bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(fingerprint))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("badger get: %w", err)
	}
	e, err := cache.Decode(raw)
	if err != nil {
		return cache.Entry{}, false, err
	}
	return e, true, nil
}

// Put writes the entry with a TTL matching its remaining lifetime unless a
// newer entry is already stored.
func (s *EntryStore) Put(ctx context.Context, entry cache.Entry) error {
	raw, err := cache.Encode(entry)
	if err != nil {
		return err
	}
	ttl := entry.ExpiresAt().Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key(entry.Fingerprint))
		switch {
		case errors.Is(err, badgerdb.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			curRaw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if cur, err := cache.Decode(curRaw); err == nil && !entry.Newer(cur) {
				return nil
			}
		}
		return txn.SetEntry(badgerdb.NewEntry(key(entry.Fingerprint), raw).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *EntryStore) Delete(_ context.Context, fingerprint string) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(key(fingerprint))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// Close closes the database when Open created it.
func (s *EntryStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
