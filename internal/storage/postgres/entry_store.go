package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
)

// EntryStore is a cache.Store backed by a Postgres table. Rows carry their
// expiry instant so Sweep can delete them; reads leave expiry to the cache.
type EntryStore struct {
	pool  pool
	table string
}

// NewEntryStore connects using cfg.
func NewEntryStore(ctx context.Context, cfg Config) (*EntryStore, error) {
	p, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewEntryStoreWithPool(p, cfg.EntryTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewEntryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEntryStoreWithPool(p pool, table string) (*EntryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "cache_entries")
	if err != nil {
		return nil, err
	}
	return &EntryStore{pool: p, table: name}, nil
}

// EnsureSchema creates the entry table when missing.
func (s *EntryStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	fingerprint TEXT PRIMARY KEY,
	entry       JSONB NOT NULL,
	written_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Get loads an entry by fingerprint.
func (s *EntryStore) Get(ctx context.Context, fingerprint string) (cache.Entry, bool, error) {
	query := fmt.Sprintf(`SELECT entry FROM %s WHERE fingerprint = $1`, s.table)
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, fingerprint).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, fmt.Errorf("select cache entry: %w", err)
	}
	e, err := cache.Decode(raw)
	if err != nil {
		return cache.Entry{}, false, err
	}
	return e, true, nil
}

// Put upserts the entry unless the stored row has a later written_at.
func (s *EntryStore) Put(ctx context.Context, entry cache.Entry) error {
	raw, err := cache.Encode(entry)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (fingerprint, entry, written_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (fingerprint) DO UPDATE
SET entry = EXCLUDED.entry,
	written_at = EXCLUDED.written_at,
	expires_at = EXCLUDED.expires_at
WHERE %[1]s.written_at <= EXCLUDED.written_at`, s.table)
	_, err = s.pool.Exec(ctx, query, entry.Fingerprint, raw, entry.WrittenAt.UTC(), entry.ExpiresAt().UTC())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *EntryStore) Delete(ctx context.Context, fingerprint string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, fingerprint); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Sweep deletes rows that expired before now and reports how many.
func (s *EntryStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the underlying pool resources.
func (s *EntryStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
