package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/endpoint"
	"github.com/edgectl/dispatcher/internal/filter"
	"github.com/edgectl/dispatcher/internal/storage"
)

// typeLookup is one entry of the endpoint type lookup tables, keyed by the
// row id of control_source / control_destination.
type typeLookup struct {
	name        string
	description string
	kind        endpoint.Kind
}

// Manager is the registry of control pipelines. It loads pipelines and the
// endpoint type lookup tables from storage at startup, matches requests to
// the best pipeline, and applies table change notifications as they arrive.
type Manager struct {
	store      storage.PipelineStore
	categories CategoryStore
	registry   *filter.Registry

	// mu guards the pipeline registry. The lookup tables are loaded once
	// at startup and read-only afterwards, so they need no lock.
	mu        sync.Mutex
	pipelines map[string]*Pipeline
	idToName  map[int64]string
	names     []string // pipeline names, sorted, kept in step with the map

	sourceTypes map[int64]typeLookup
	destTypes   map[int64]typeLookup

	// catMu guards the category registrations separately from mu: plugins
	// register from within an execution context load, which runs below the
	// manager in the lock order.
	catMu         sync.Mutex
	categoryRegns map[string][]filter.Plugin
}

// NewManager creates a pipeline manager. Load must be called before the
// first FindPipeline.
func NewManager(store storage.PipelineStore, categories CategoryStore, registry *filter.Registry) *Manager {
	return &Manager{
		store:         store,
		categories:    categories,
		registry:      registry,
		pipelines:     make(map[string]*Pipeline),
		idToName:      make(map[int64]string),
		sourceTypes:   make(map[int64]typeLookup),
		destTypes:     make(map[int64]typeLookup),
		categoryRegns: make(map[string][]filter.Plugin),
	}
}

// Load does the initial load of the endpoint type lookup tables and the
// control pipelines. Subsequent changes arrive as table change
// notifications.
func (m *Manager) Load(ctx context.Context) error {
	if err := m.loadLookupTables(ctx); err != nil {
		return err
	}

	rows, err := m.store.ListPipelines(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		p, err := m.buildPipeline(ctx, row)
		if err != nil {
			log.Error().Err(err).Str("pipeline", row.Name).
				Msg("Failed to load control pipeline")
			continue
		}
		m.pipelines[row.Name] = p
		m.idToName[row.CPID] = row.Name
		m.insertName(row.Name)
	}
	log.Info().Int("pipelines", len(m.pipelines)).Msg("Control pipelines loaded")
	return nil
}

func (m *Manager) loadLookupTables(ctx context.Context) error {
	sources, err := m.store.ListSourceTypes(ctx)
	if err != nil {
		return err
	}
	for _, row := range sources {
		m.sourceTypes[row.ID] = typeLookup{
			name:        row.Name,
			description: row.Description,
			kind:        endpoint.KindFromName(row.Name),
		}
	}
	dests, err := m.store.ListDestinationTypes(ctx)
	if err != nil {
		return err
	}
	for _, row := range dests {
		m.destTypes[row.ID] = typeLookup{
			name:        row.Name,
			description: row.Description,
			kind:        endpoint.KindFromName(row.Name),
		}
	}
	return nil
}

// buildPipeline constructs a Pipeline from its storage row, including its
// ordered filter list. Caller holds m.mu.
func (m *Manager) buildPipeline(ctx context.Context, row storage.PipelineRow) (*Pipeline, error) {
	p := newPipeline(m, row.Name)
	p.SetEndpoints(
		endpoint.Make(m.sourceTypes[row.SType].kind, row.SName),
		endpoint.Make(m.destTypes[row.DType].kind, row.DName),
	)
	p.SetEnabled(row.Enabled)
	p.SetExclusive(row.Execution == "Exclusive")

	filters, err := m.store.ListFilters(ctx, row.CPID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(filters))
	for _, f := range filters {
		names = append(names, f.Name)
	}
	p.SetFilters(names)
	return p, nil
}

// FindPipeline returns the best matching pipeline for the given source and
// destination endpoints, or nil when none matches. Matching tiers, best
// first: exact/exact, any/exact, exact/any, any/any. Within a tier the
// pipelines are scanned in lexicographic name order so ties are
// deterministic.
func (m *Manager) FindPipeline(source, dest endpoint.Endpoint) *Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Tier predicates over the pipeline's pattern: exact/exact beats
	// any/exact beats exact/any beats any/any.
	tiers := [4]func(s, d endpoint.Endpoint) bool{
		func(s, d endpoint.Endpoint) bool { return s.Kind() != endpoint.Any && d.Kind() != endpoint.Any },
		func(s, d endpoint.Endpoint) bool { return s.Kind() == endpoint.Any && d.Kind() != endpoint.Any },
		func(s, d endpoint.Endpoint) bool { return s.Kind() != endpoint.Any && d.Kind() == endpoint.Any },
		func(s, d endpoint.Endpoint) bool { return s.Kind() == endpoint.Any && d.Kind() == endpoint.Any },
	}

	for _, tier := range tiers {
		for _, name := range m.names {
			p := m.pipelines[name]
			ps, pd := p.Endpoints()
			if tier(ps, pd) && p.Match(source, dest) {
				return p
			}
		}
	}
	return nil
}

// FindSourceType maps an endpoint type name from the source lookup table to
// its kind. Returns Undefined for unknown names.
func (m *Manager) FindSourceType(name string) endpoint.Kind {
	for _, l := range m.sourceTypes {
		if l.name == name {
			return l.kind
		}
	}
	return endpoint.Undefined
}

// FindDestinationType maps an endpoint type name from the destination
// lookup table to its kind.
func (m *Manager) FindDestinationType(name string) endpoint.Kind {
	for _, l := range m.destTypes {
		if l.name == name {
			return l.kind
		}
	}
	return endpoint.Undefined
}

// insertName adds a pipeline name to the sorted index. Caller holds m.mu.
func (m *Manager) insertName(name string) {
	i := sort.SearchStrings(m.names, name)
	if i < len(m.names) && m.names[i] == name {
		return
	}
	m.names = append(m.names, "")
	copy(m.names[i+1:], m.names[i:])
	m.names[i] = name
}

// removeName drops a pipeline name from the sorted index. Caller holds m.mu.
func (m *Manager) removeName(name string) {
	i := sort.SearchStrings(m.names, name)
	if i < len(m.names) && m.names[i] == name {
		m.names = append(m.names[:i], m.names[i+1:]...)
	}
}

// GetPipeline returns the named pipeline or nil.
func (m *Manager) GetPipeline(name string) *Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipelines[name]
}

// ── Category registrations ──────────────────────────────────

// RegisterCategory records that the plugin instance is configured from the
// named filter category and should receive its configuration changes.
func (m *Manager) RegisterCategory(name string, plugin filter.Plugin) {
	m.catMu.Lock()
	defer m.catMu.Unlock()
	m.categoryRegns[name] = append(m.categoryRegns[name], plugin)
}

// UnregisterCategory removes one (category, plugin) registration.
func (m *Manager) UnregisterCategory(name string, plugin filter.Plugin) {
	m.catMu.Lock()
	defer m.catMu.Unlock()
	regns := m.categoryRegns[name]
	for i, p := range regns {
		if p == plugin {
			m.categoryRegns[name] = append(regns[:i], regns[i+1:]...)
			break
		}
	}
	if len(m.categoryRegns[name]) == 0 {
		delete(m.categoryRegns, name)
	}
}

// HasCategory reports whether any plugin is registered under the category.
func (m *Manager) HasCategory(name string) bool {
	m.catMu.Lock()
	defer m.catMu.Unlock()
	return len(m.categoryRegns[name]) > 0
}

// CategoryChanged delivers a changed filter category to every plugin
// registered under it.
func (m *Manager) CategoryChanged(name string, config map[string]string) {
	m.catMu.Lock()
	plugins := append([]filter.Plugin(nil), m.categoryRegns[name]...)
	m.catMu.Unlock()
	for _, p := range plugins {
		p.Reconfigure(config)
	}
	if len(plugins) > 0 {
		log.Info().Str("category", name).Int("plugins", len(plugins)).
			Msg("Reconfigured filter plugins for changed category")
	}
}
