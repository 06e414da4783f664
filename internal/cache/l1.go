package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// l1 wraps a bounded LRU with last-write-wins puts. The LRU has its own
// lock; mu only serializes the peek-then-add sequence of writers.
type l1 struct {
	mu  sync.Mutex
	lru *lru.Cache[string, Entry]
}

func newL1(capacity int) (*l1, error) {
	c, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create l1 cache: %w", err)
	}
	return &l1{lru: c}, nil
}

// get returns the entry and marks it most recently used. Expired entries are
// dropped and reported with expired=true.
func (c *l1) get(fp string, now time.Time) (e Entry, ok bool, expired bool) {
	e, ok = c.lru.Get(fp)
	if !ok {
		return Entry{}, false, false
	}
	if !e.Expired(now) {
		return e, true, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, still := c.lru.Peek(fp); still && cur.WrittenAt.Equal(e.WrittenAt) {
		c.lru.Remove(fp)
	}
	return Entry{}, false, true
}

// put stores e unless a newer entry is present. It reports whether e was
// stored and whether an older key was evicted to make room.
func (c *l1) put(e Entry) (stored bool, evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Peek(e.Fingerprint); ok && !e.Newer(cur) {
		return false, false
	}
	return true, c.lru.Add(e.Fingerprint, e)
}

func (c *l1) peek(fp string) (Entry, bool) {
	return c.lru.Peek(fp)
}

func (c *l1) remove(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(fp)
}

func (c *l1) len() int {
	return c.lru.Len()
}

func (c *l1) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
