package postgres

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// TestEntryStoreAgainstPostgres needs Docker; it is skipped with -short or
// when no container runtime is available.
func TestEntryStoreAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.Logger = log.New(io.Discard, "", 0)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_PASSWORD": "scraper",
				"POSTGRES_USER":     "scraper",
				"POSTGRES_DB":       "scraper",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
	})
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	store, err := NewEntryStore(ctx, Config{
		DSN:         fmt.Sprintf("postgres://scraper:scraper@%s:%s/scraper?sslmode=disable", host, port.Port()),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := time.Now().UTC().Truncate(time.Millisecond)
	newer := cache.Entry{Fingerprint: "fp", Class: scrape.ClassAccepted, Score: 95, WrittenAt: base.Add(time.Second), TTL: time.Minute}
	older := cache.Entry{Fingerprint: "fp", Class: scrape.ClassDegraded, Score: 55, WrittenAt: base, TTL: time.Minute}

	require.NoError(t, store.Put(ctx, newer))
	require.NoError(t, store.Put(ctx, older))

	got, ok, err := store.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 95.0, got.Score)

	n, err := store.Sweep(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, ok, err = store.Get(ctx, "fp")
	require.NoError(t, err)
	require.False(t, ok)
}
