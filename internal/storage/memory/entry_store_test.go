package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

func TestEntryStoreLastWriteWins(t *testing.T) {
	t.Parallel()

	store := NewEntryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	newer := cache.Entry{Fingerprint: "fp", WrittenAt: base.Add(time.Second), Class: scrape.ClassAccepted, Score: 90}
	older := cache.Entry{Fingerprint: "fp", WrittenAt: base, Class: scrape.ClassDegraded, Score: 60}

	require.NoError(t, store.Put(ctx, newer))
	require.NoError(t, store.Put(ctx, older))

	got, ok, err := store.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 90.0, got.Score)
	require.Equal(t, 1, store.Len())

	require.NoError(t, store.Delete(ctx, "fp"))
	_, ok, err = store.Get(ctx, "fp")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEntryStoreBacksCache(t *testing.T) {
	t.Parallel()

	store := NewEntryStore()
	writer, err := cache.New(cache.Config{}, store, nil, nil)
	require.NoError(t, err)
	reader, err := cache.New(cache.Config{}, store, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	entry := cache.Entry{
		Class: scrape.ClassAccepted,
		Score: 100,
		Job:   scrape.Job{Target: "@jane", Freshness: time.Minute},
	}
	require.NoError(t, writer.Put(ctx, "fp-shared", entry))

	got, ok := reader.Get(ctx, "fp-shared")
	require.True(t, ok)
	require.Equal(t, cache.TierL2, got.Tier)
	require.Equal(t, "@jane", got.Job.Target)
}
