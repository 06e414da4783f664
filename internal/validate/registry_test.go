package validate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

func TestRegistryDefaults(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry("", &Schema{Name: "video", Required: []string{"id"}})
	require.NoError(t, err)
	require.Equal(t, []string{"post", "profile", "video"}, reg.Names())

	s, err := reg.Lookup("")
	require.NoError(t, err)
	require.Equal(t, "profile", s.Name)

	_, err = reg.Lookup("story")
	require.ErrorIs(t, err, scrape.ErrConfiguration)
}

func TestRegistryRejectsBadSchemas(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry("missing")
	require.Error(t, err)

	_, err = NewRegistry("", &Schema{Name: "dup", Required: []string{"a", "a"}})
	require.Error(t, err)

	_, err = NewRegistry("", &Schema{Name: "nocheck", Custom: []Predicate{{Name: "p"}}})
	require.Error(t, err)
}
