package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/endpoint"
)

// Pipeline is one logical control pipeline: a named, ordered list of filter
// categories with a (source, destination) match pattern. A non-exclusive
// pipeline runs every request through a single shared execution context;
// an exclusive pipeline creates one context per distinct endpoint pair it
// observes.
type Pipeline struct {
	name    string
	manager *Manager

	// The context mutex guards everything below. Live filter edits are
	// propagated into all contexts while it is held.
	mu        sync.Mutex
	enable    bool
	exclusive bool
	source    endpoint.Endpoint
	dest      endpoint.Endpoint
	filters   []string
	shared    *ExecutionContext
	contexts  []*boundContext
}

// boundContext pairs an exclusive execution context with the endpoints it
// was created for.
type boundContext struct {
	source endpoint.Endpoint
	dest   endpoint.Endpoint
	ctx    *ExecutionContext
}

func newPipeline(manager *Manager, name string) *Pipeline {
	return &Pipeline{name: name, manager: manager, enable: true}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Enabled reports whether the pipeline should be applied to requests.
func (p *Pipeline) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enable
}

// SetEnabled flips the enable flag.
func (p *Pipeline) SetEnabled(enable bool) {
	p.mu.Lock()
	p.enable = enable
	p.mu.Unlock()
}

// Exclusive reports whether the pipeline creates a context per endpoint pair.
func (p *Pipeline) Exclusive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exclusive
}

// SetExclusive switches between shared and exclusive execution. Existing
// contexts are dropped; the next request rebuilds them under the new mode.
func (p *Pipeline) SetExclusive(exclusive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exclusive == exclusive {
		return
	}
	p.exclusive = exclusive
	p.dropContexts()
}

// SetEndpoints sets the match pattern for the pipeline.
func (p *Pipeline) SetEndpoints(source, dest endpoint.Endpoint) {
	p.mu.Lock()
	p.source = source
	p.dest = dest
	p.mu.Unlock()
}

// Endpoints returns the pipeline's match pattern.
func (p *Pipeline) Endpoints() (source, dest endpoint.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source, p.dest
}

// SetFilters replaces the ordered filter category list. Only used before the
// pipeline is published to the manager.
func (p *Pipeline) SetFilters(filters []string) {
	p.mu.Lock()
	p.filters = append(p.filters[:0], filters...)
	p.mu.Unlock()
}

// Filters returns a copy of the filter category list.
func (p *Pipeline) Filters() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.filters))
	copy(out, p.filters)
	return out
}

// Match reports whether the pipeline's pattern matches the given request
// endpoints.
func (p *Pipeline) Match(source, dest endpoint.Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source.Match(source) && p.dest.Match(dest)
}

// GetExecutionContext returns the context a request between the given
// endpoints should execute in, creating it on first use.
func (p *Pipeline) GetExecutionContext(source, dest endpoint.Endpoint) *ExecutionContext {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.exclusive {
		if p.shared == nil {
			p.shared = newExecutionContext(p.name, p.filters,
				p.manager.categories, p.manager.registry, p.manager)
		}
		log.Debug().Str("pipeline", p.name).
			Stringer("source", source).Stringer("dest", dest).
			Msg("Using shared context for control pipeline")
		return p.shared
	}

	for _, bc := range p.contexts {
		if bc.source == source && bc.dest == dest {
			return bc.ctx
		}
	}
	log.Info().Str("pipeline", p.name).
		Stringer("source", source).Stringer("dest", dest).
		Msg("Creating new exclusive context for control pipeline")
	ec := newExecutionContext(p.name, p.filters,
		p.manager.categories, p.manager.registry, p.manager)
	p.contexts = append(p.contexts, &boundContext{source: source, dest: dest, ctx: ec})
	return ec
}

// AddFilter inserts a filter category at one-based position order in the
// pipeline and every live execution context.
func (p *Pipeline) AddFilter(ctx context.Context, name string, order int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := order - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(p.filters) {
		idx = len(p.filters)
	}
	p.filters = insertAt(p.filters, idx, name)

	if p.shared != nil {
		p.shared.AddFilter(ctx, name, order)
	}
	for _, bc := range p.contexts {
		bc.ctx.AddFilter(ctx, name, order)
	}
}

// RemoveFilter removes a filter category from the pipeline and every live
// execution context.
func (p *Pipeline) RemoveFilter(ctx context.Context, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx := indexOf(p.filters, name); idx >= 0 {
		p.filters = append(p.filters[:idx], p.filters[idx+1:]...)
	}
	if p.shared != nil {
		p.shared.RemoveFilter(ctx, name)
	}
	for _, bc := range p.contexts {
		bc.ctx.RemoveFilter(ctx, name)
	}
}

// Reorder moves a filter category to one-based position order. A filter
// already at that position is left alone, debouncing the storm of update
// events a single reorder produces in the filters table.
func (p *Pipeline) Reorder(ctx context.Context, name string, order int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := indexOf(p.filters, name)
	to := order - 1
	if from < 0 || to < 0 || to >= len(p.filters) || from == to {
		return
	}
	p.filters[from], p.filters[to] = p.filters[to], p.filters[from]

	if p.shared != nil {
		p.shared.Reorder(ctx, name, order)
	}
	for _, bc := range p.contexts {
		bc.ctx.Reorder(ctx, name, order)
	}
}

// RemoveAllContexts drops the shared context and every exclusive context,
// forcing the next request to rebuild the pipeline.
func (p *Pipeline) RemoveAllContexts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropContexts()
}

// dropContexts shuts down and forgets every context. Caller holds p.mu.
func (p *Pipeline) dropContexts() {
	if p.shared != nil {
		p.shared.Shutdown()
		p.shared = nil
	}
	for _, bc := range p.contexts {
		bc.ctx.Shutdown()
	}
	p.contexts = nil
}

// ContextCount returns the number of live execution contexts.
func (p *Pipeline) ContextCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.contexts)
	if p.shared != nil {
		n++
	}
	return n
}
