package location

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/storage"
)

func newRegistry(t *testing.T, locations ...domain.StorageLocation) *Registry {
	t.Helper()
	registry := NewRegistry()
	for _, loc := range locations {
		loc.Plugin = "local"
		loc.Params = map[string]any{"root": t.TempDir()}
		plugin, err := storage.NewPlugin(loc, storage.Deps{})
		require.NoError(t, err)
		require.NoError(t, registry.Register(loc, plugin))
	}
	return registry
}

func TestRegistry_ByPriority(t *testing.T) {
	registry := newRegistry(t,
		domain.StorageLocation{Name: "a", Priority: 10, Enabled: true},
		domain.StorageLocation{Name: "b", Priority: 20, Enabled: true},
		domain.StorageLocation{Name: "c", Priority: 5, Enabled: true},
		domain.StorageLocation{Name: "d", Priority: 20, Enabled: true},
		domain.StorageLocation{Name: "off", Priority: 100, Enabled: false},
	)

	names := func(locations []domain.StorageLocation) []string {
		var out []string
		for _, loc := range locations {
			out = append(out, loc.Name)
		}
		return out
	}

	assert.Equal(t, []string{"b", "d", "a", "c"}, names(registry.ByPriority([]string{"c", "a", "d", "b", "off", "missing", "a"})))

	require.NoError(t, registry.SetEnabled("b", false))
	assert.Equal(t, []string{"d", "a"}, names(registry.ByPriority([]string{"a", "b", "d"})))
	assert.Empty(t, registry.ByPriority(nil))
}

func TestRegistry_Lookup(t *testing.T) {
	registry := newRegistry(t,
		domain.StorageLocation{Name: "on", Enabled: true},
		domain.StorageLocation{Name: "off", Enabled: false},
	)

	assert.True(t, registry.IsConfigured("on"))
	assert.False(t, registry.IsConfigured("off"))
	assert.False(t, registry.IsConfigured("missing"))

	_, _, err := registry.Plugin("off")
	assert.ErrorIs(t, err, zerrors.ErrUnknownStorage)
	plugin, loc, err := registry.Plugin("on")
	require.NoError(t, err)
	assert.NotNil(t, plugin)
	assert.Equal(t, "on", loc.Name)

	assert.Len(t, registry.List(), 2)
	assert.Error(t, registry.SetEnabled("missing", true))
	assert.Error(t, registry.Register(domain.StorageLocation{Name: "x"}, nil))
}
