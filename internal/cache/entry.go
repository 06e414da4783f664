package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// Tier names the cache level an entry was served from.
type Tier string

// Cache tiers.
const (
	TierL1 Tier = "l1"
	TierL2 Tier = "l2"
)

// Entry is a cached, validated scrape result.
type Entry struct {
	Fingerprint string                `json:"fingerprint"`
	Payload     scrape.Payload        `json:"payload"`
	Score       float64               `json:"quality_score"`
	Class       scrape.Classification `json:"classification"`
	WrittenAt   time.Time             `json:"written_at"`
	TTL         time.Duration         `json:"ttl"`
	Tier        Tier                  `json:"tier,omitempty"`
	ShortLived  bool                  `json:"short_lived,omitempty"`
	// Job is the descriptor that produced the entry; warming replays it.
	Job scrape.Job `json:"job"`
}

// ExpiresAt is WrittenAt plus TTL.
func (e Entry) ExpiresAt() time.Time {
	return e.WrittenAt.Add(e.TTL)
}

// Expired reports whether now is strictly after the expiry instant.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// Age is how long ago the entry was written.
func (e Entry) Age(now time.Time) time.Duration {
	if now.Before(e.WrittenAt) {
		return 0
	}
	return now.Sub(e.WrittenAt)
}

// Newer reports whether e should replace other under last-write-wins.
func (e Entry) Newer(other Entry) bool {
	return !other.WrittenAt.After(e.WrittenAt)
}

// Store is the shared L2 tier. Implementations must be safe for concurrent
// use. Put must keep the stored entry with the later WrittenAt; a stale Put
// is not an error.
type Store interface {
	Get(ctx context.Context, fingerprint string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, fingerprint string) error
}

// Encode serializes an entry for byte-oriented stores.
func Encode(e Entry) ([]byte, error) {
	e.Tier = ""
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, nil
}
