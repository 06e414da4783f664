package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	custom := &Policy{Name: "fast", Strategy: StrategyFixed, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2}
	reg, err := NewRegistry(custom)
	require.NoError(t, err)

	got, err := reg.Lookup("fast")
	require.NoError(t, err)
	require.Same(t, custom, got)

	def, err := reg.Lookup("")
	require.NoError(t, err)
	require.Equal(t, "default", def.Name)
	require.Equal(t, []string{"default", "fast"}, reg.Names())

	_, err = reg.Lookup("missing")
	require.ErrorIs(t, err, scrape.ErrConfiguration)
}

func TestRegistryRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(&Policy{Name: "broken", Strategy: StrategyFixed})
	require.Error(t, err)
}
