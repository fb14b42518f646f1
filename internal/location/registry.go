// Package location is the registry of configured storage locations and the
// plugin serving each of them.
package location

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/storage"
)

type entry struct {
	location domain.StorageLocation
	plugin   storage.Plugin
}

// Registry is safe for concurrent use. Lookups only see registered names, so
// requests naming a location dropped from the configuration read as unknown.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces a location.
func (r *Registry) Register(loc domain.StorageLocation, plugin storage.Plugin) error {
	if loc.Name == "" {
		return fmt.Errorf("storage location needs a name")
	}
	if plugin == nil {
		return fmt.Errorf("storage location %s has no plugin", loc.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[loc.Name] = entry{location: loc, plugin: plugin}
	return nil
}

// Get returns a registered location, enabled or not.
func (r *Registry) Get(name string) (domain.StorageLocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.location, ok
}

// IsConfigured reports whether name is registered and enabled.
func (r *Registry) IsConfigured(name string) bool {
	loc, ok := r.Get(name)
	return ok && loc.Enabled
}

// Plugin returns the plugin of an enabled location.
func (r *Registry) Plugin(name string) (storage.Plugin, domain.StorageLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || !e.location.Enabled {
		return nil, domain.StorageLocation{}, zerrors.UnknownStorageError(name)
	}
	return e.plugin, e.location, nil
}

// List returns every registered location sorted by name.
func (r *Registry) List() []domain.StorageLocation {
	r.mu.RLock()
	locations := make([]domain.StorageLocation, 0, len(r.entries))
	for _, e := range r.entries {
		locations = append(locations, e.location)
	}
	r.mu.RUnlock()

	sort.Slice(locations, func(i, j int) bool {
		return locations[i].Name < locations[j].Name
	})
	return locations
}

// ByPriority returns the enabled locations among names, highest priority
// first and ties broken by name. Unknown or disabled names are dropped.
func (r *Registry) ByPriority(names []string) []domain.StorageLocation {
	r.mu.RLock()
	var locations []domain.StorageLocation
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok || !e.location.Enabled || seen[name] {
			continue
		}
		seen[name] = true
		locations = append(locations, e.location)
	}
	r.mu.RUnlock()

	sort.Slice(locations, func(i, j int) bool {
		if locations[i].Priority != locations[j].Priority {
			return locations[i].Priority > locations[j].Priority
		}
		return locations[i].Name < locations[j].Name
	})
	return locations
}

// SetEnabled toggles a registered location.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return zerrors.UnknownStorageError(name)
	}
	e.location.Enabled = enabled
	r.entries[name] = e
	return nil
}
