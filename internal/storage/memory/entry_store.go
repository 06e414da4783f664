package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
)

// EntryStore is an in-process L2 tier. It is shared only by caches in the
// same process and exists for development and tests.
type EntryStore struct {
	mu      sync.RWMutex
	entries map[string]cache.Entry
}

// NewEntryStore constructs an empty EntryStore.
func NewEntryStore() *EntryStore {
	return &EntryStore{entries: make(map[string]cache.Entry)}
}

// Get returns the stored entry. Expiry is left to the caller.
func (s *EntryStore) Get(_ context.Context, fingerprint string) (cache.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fingerprint]
	return e, ok, nil
}

// Put keeps whichever entry has the later write timestamp.
func (s *EntryStore) Put(_ context.Context, entry cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[entry.Fingerprint]; ok && !entry.Newer(cur) {
		return nil
	}
	entry.Tier = ""
	s.entries[entry.Fingerprint] = entry
	return nil
}

// Delete removes an entry.
func (s *EntryStore) Delete(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fingerprint)
	return nil
}

// Len returns the number of stored entries.
func (s *EntryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
