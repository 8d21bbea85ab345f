// Package pipeline implements control filter pipelines: the execution
// context that chains filter plugins, the control pipeline that owns shared
// or per-endpoint-pair contexts, and the manager that matches requests to
// pipelines and applies live table changes.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/filter"
	"github.com/edgectl/dispatcher/internal/reading"
)

// CategoryStore is the configuration collaborator consumed during pipeline
// load: filter categories are fetched from it, and plugin default configs
// are upserted back under the category name.
type CategoryStore interface {
	// GetCategory returns the merged configuration items of a category.
	GetCategory(ctx context.Context, name string) (map[string]string, error)

	// UpsertCategory creates the category or merges the given defaults
	// into it, keeping any existing item values.
	UpsertCategory(ctx context.Context, name, description string, defaults map[string]string) error
}

// categoryRegistrar is the slice of the pipeline manager the execution
// context needs: registering loaded plugins for category change callbacks.
type categoryRegistrar interface {
	RegisterCategory(name string, plugin filter.Plugin)
	UnregisterCategory(name string, plugin filter.Plugin)
}

// ExecutionContext is a live, wired-up chain of filter plugins. It is the
// unit of concurrency for filtering: one Filter call runs at a time per
// context. The plugin at index i forwards to the plugin at i+1; the last
// plugin forwards to the context itself, which stores the set in the result
// slot.
type ExecutionContext struct {
	name       string
	categories CategoryStore
	registry   *filter.Registry
	manager    categoryRegistrar

	mu      sync.Mutex
	filters []string // filter category names, in pipeline order
	plugins []filter.Plugin
	loaded  bool
	broken  bool // load failed; refuse to execute
	result  *reading.Set
}

// newExecutionContext creates a context for the given filter category list.
// Plugins are loaded lazily on the first Filter call.
func newExecutionContext(name string, filters []string, categories CategoryStore,
	registry *filter.Registry, manager categoryRegistrar) *ExecutionContext {
	ec := &ExecutionContext{
		name:       name,
		categories: categories,
		registry:   registry,
		manager:    manager,
	}
	ec.filters = append(ec.filters, filters...)
	return ec
}

// Ingest is the terminal sink of the plugin chain.
func (ec *ExecutionContext) Ingest(set *reading.Set) {
	ec.result = set
}

// Filter runs the reading through the plugin chain and returns the filtered
// reading, or nil when the pipeline suppressed the control request. An empty
// or broken pipeline also returns nil.
func (ec *ExecutionContext) Filter(ctx context.Context, r *reading.Reading) *reading.Reading {
	// Single flight per context: the result lands in the shared slot.
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if !ec.loaded && !ec.broken {
		if err := ec.load(ctx); err != nil {
			log.Error().Err(err).Str("pipeline", ec.name).
				Msg("Failed to load control filter pipeline")
			ec.broken = true
		}
	}
	if ec.broken || len(ec.plugins) == 0 {
		log.Info().Str("pipeline", ec.name).
			Msg("Control filter pipeline removed control request")
		return nil
	}

	ec.result = nil
	ec.plugins[0].Ingest(reading.NewSet(r))

	if ec.result.Count() > 0 {
		return ec.result.Readings[0]
	}
	log.Info().Str("pipeline", ec.name).
		Msg("Control filter pipeline removed control request")
	return nil
}

// load instantiates and wires every plugin named by the filter categories.
// Caller holds ec.mu.
func (ec *ExecutionContext) load(ctx context.Context) error {
	log.Debug().Str("pipeline", ec.name).Msg("Loading control filter pipeline")

	// Categories without a plugin item are dropped so the filter and
	// plugin lists stay aligned index for index.
	loaded := ec.filters[:0]
	for _, category := range ec.filters {
		plugin, err := ec.loadPlugin(ctx, category)
		if err != nil {
			return err
		}
		if plugin == nil {
			continue
		}
		loaded = append(loaded, category)
		ec.plugins = append(ec.plugins, plugin)
	}
	ec.filters = loaded

	// Wire the chain: plugin i feeds plugin i+1, the last feeds us.
	for i, p := range ec.plugins {
		cfg, err := ec.categories.GetCategory(ctx, ec.filters[i])
		if err != nil {
			return fmt.Errorf("fetch category %q: %w", ec.filters[i], err)
		}
		if err := p.Init(cfg, ec.nextHop(i)); err != nil {
			return fmt.Errorf("init filter %q: %w", ec.filters[i], err)
		}
		ec.manager.RegisterCategory(ec.filters[i], p)
	}
	ec.loaded = true
	return nil
}

// loadPlugin resolves a filter category to a plugin instance and upserts the
// plugin's default configuration under the category name. A nil plugin with
// a nil error means the category has no "plugin" item and is skipped.
func (ec *ExecutionContext) loadPlugin(ctx context.Context, category string) (filter.Plugin, error) {
	cfg, err := ec.categories.GetCategory(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("fetch category %q: %w", category, err)
	}
	pluginName, ok := cfg["plugin"]
	if !ok || pluginName == "" {
		log.Info().Str("category", category).Str("pipeline", ec.name).
			Msg("Filter category has no plugin item, skipping")
		return nil, nil
	}
	log.Debug().Str("plugin", pluginName).Str("category", category).
		Msg("Loading filter plugin")
	plugin, err := ec.registry.Create(pluginName)
	if err != nil {
		return nil, fmt.Errorf("load filter plugin %q: %w", pluginName, err)
	}
	desc := fmt.Sprintf("Configuration of '%s' filter for plugin '%s'", pluginName, category)
	if err := ec.categories.UpsertCategory(ctx, category, desc, plugin.DefaultConfig()); err != nil {
		return nil, fmt.Errorf("upsert category %q: %w", category, err)
	}
	return plugin, nil
}

// nextHop returns the ingestor the plugin at index i forwards to. Caller
// holds ec.mu.
func (ec *ExecutionContext) nextHop(i int) filter.Ingestor {
	if i+1 < len(ec.plugins) {
		return ec.plugins[i+1]
	}
	return ec
}

// AddFilter inserts the named filter category at one-based position order,
// loads its plugin and re-wires the chain. The plugin previously feeding
// that position is shut down and re-initialised so its next hop points at
// the new plugin.
func (ec *ExecutionContext) AddFilter(ctx context.Context, name string, order int) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	idx := order - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(ec.filters) {
		idx = len(ec.filters)
	}
	ec.filters = insertAt(ec.filters, idx, name)

	if !ec.loaded {
		return // lazily loaded on the next Filter call
	}

	plugin, err := ec.loadPlugin(ctx, name)
	if err != nil || plugin == nil {
		if err != nil {
			log.Error().Err(err).Str("filter", name).Str("pipeline", ec.name).
				Msg("Failed to add filter to pipeline")
		}
		// Keep filters and plugins aligned index for index.
		ec.filters = append(ec.filters[:idx], ec.filters[idx+1:]...)
		return
	}
	ec.plugins = insertPluginAt(ec.plugins, idx, plugin)

	// Any failure past this point must undo the insert: leaving an
	// uninitialised plugin in the chain would swallow every reading.
	cfg, err := ec.categories.GetCategory(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("filter", name).Msg("Failed to fetch filter category")
		ec.unwind(idx)
		return
	}
	if err := plugin.Init(cfg, ec.nextHop(idx)); err != nil {
		log.Error().Err(err).Str("filter", name).Msg("Failed to init filter plugin")
		ec.unwind(idx)
		return
	}
	ec.manager.RegisterCategory(name, plugin)

	ec.rewire(ctx, idx-1)
}

// RemoveFilter shuts down and removes the named filter from the chain,
// re-wiring its predecessor to the successor or the terminal sink.
func (ec *ExecutionContext) RemoveFilter(ctx context.Context, name string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	idx := indexOf(ec.filters, name)
	if idx < 0 {
		return
	}
	ec.filters = append(ec.filters[:idx], ec.filters[idx+1:]...)

	if !ec.loaded || idx >= len(ec.plugins) {
		return
	}
	plugin := ec.plugins[idx]
	plugin.Shutdown()
	ec.manager.UnregisterCategory(name, plugin)
	ec.plugins = append(ec.plugins[:idx], ec.plugins[idx+1:]...)

	ec.rewire(ctx, idx-1)
}

// Reorder moves the named filter to one-based position order, swapping it
// with the entry currently there and re-wiring the affected predecessors.
// A filter already at the requested position is left alone; update storms
// are debounced this way.
func (ec *ExecutionContext) Reorder(ctx context.Context, name string, order int) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	to := order - 1
	from := indexOf(ec.filters, name)
	if from < 0 || to < 0 || to >= len(ec.filters) || from == to {
		return
	}
	ec.filters[from], ec.filters[to] = ec.filters[to], ec.filters[from]

	if !ec.loaded || from >= len(ec.plugins) || to >= len(ec.plugins) {
		return
	}
	ec.plugins[from], ec.plugins[to] = ec.plugins[to], ec.plugins[from]

	// Re-init the two moved plugins and their predecessors.
	ec.rewire(ctx, from)
	ec.rewire(ctx, from-1)
	ec.rewire(ctx, to)
	ec.rewire(ctx, to-1)
}

// rewire re-initialises the plugin at index i so its next hop matches the
// current chain layout. Plugins must be shut down before re-init. Caller
// holds ec.mu.
func (ec *ExecutionContext) rewire(ctx context.Context, i int) {
	if i < 0 || i >= len(ec.plugins) {
		return
	}
	p := ec.plugins[i]
	p.Shutdown()
	cfg, err := ec.categories.GetCategory(ctx, ec.filters[i])
	if err != nil {
		log.Error().Err(err).Str("filter", ec.filters[i]).
			Msg("Failed to fetch filter category during re-wire")
		return
	}
	if err := p.Init(cfg, ec.nextHop(i)); err != nil {
		log.Error().Err(err).Str("filter", ec.filters[i]).
			Msg("Failed to re-init filter plugin during re-wire")
	}
}

// Shutdown stops every plugin in the chain. The pipeline above guarantees
// no Filter call is in progress or can begin once shutdown starts.
func (ec *ExecutionContext) Shutdown() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for i, p := range ec.plugins {
		p.Shutdown()
		ec.manager.UnregisterCategory(ec.filters[i], p)
	}
	ec.plugins = nil
	ec.loaded = false
}

// Filters returns a copy of the filter category list.
func (ec *ExecutionContext) Filters() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]string, len(ec.filters))
	copy(out, ec.filters)
	return out
}

// PluginCount returns the number of loaded plugins.
func (ec *ExecutionContext) PluginCount() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.plugins)
}

// unwind drops the entry at idx from both lists, undoing a failed insert.
// Caller holds ec.mu.
func (ec *ExecutionContext) unwind(idx int) {
	ec.filters = append(ec.filters[:idx], ec.filters[idx+1:]...)
	ec.plugins = append(ec.plugins[:idx], ec.plugins[idx+1:]...)
}

func insertAt(s []string, i int, v string) []string {
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertPluginAt(s []filter.Plugin, i int, v filter.Plugin) []filter.Plugin {
	if i > len(s) {
		i = len(s)
	}
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
