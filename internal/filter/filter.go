// Package filter defines the control filter plugin API and the registry of
// built-in plugins. Filters are discovered by name and chained together by a
// pipeline execution context; each filter receives a reading set, transforms
// it and hands it to the next hop in the chain.
package filter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/edgectl/dispatcher/internal/reading"
)

// Ingestor is the next hop of a filter: either the following plugin in the
// chain or the execution context's terminal sink.
type Ingestor interface {
	Ingest(set *reading.Set)
}

// Plugin is a loaded control filter. The lifecycle contract mirrors the
// plugin API of the data path filters: Init wires the plugin to its next
// hop, and a plugin must be Shutdown before it is re-initialised.
type Plugin interface {
	// Name returns the plugin name the instance was created from.
	Name() string

	// DefaultConfig returns the plugin's default configuration items,
	// upserted into the category store under the filter category name.
	DefaultConfig() map[string]string

	// Init configures the plugin and wires it to the next hop.
	Init(config map[string]string, next Ingestor) error

	// Ingest transforms the reading set and passes it onwards.
	Ingest(set *reading.Set)

	// Reconfigure applies a changed configuration category.
	Reconfigure(config map[string]string)

	// Shutdown releases the plugin. Required before any re-Init.
	Shutdown()
}

// Factory creates a fresh plugin instance.
type Factory func() Plugin

// Registry resolves plugin names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry pre-populated with the built-in plugins.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("rename", func() Plugin { return newRenamePlugin() })
	r.Register("scale", func() Plugin { return newScalePlugin() })
	r.Register("expression", func() Plugin { return newExpressionPlugin() })
	r.Register("delete", func() Plugin { return newDeletePlugin() })
	r.Register("metadata", func() Plugin { return newMetadataPlugin() })
	return r
}

// Register adds a plugin factory under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Create instantiates the named plugin.
func (r *Registry) Create(name string) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown filter plugin %q", name)
	}
	return f(), nil
}

// List returns the registered plugin names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
