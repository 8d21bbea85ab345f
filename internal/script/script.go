// Package script runs persisted automation scripts. A script is an ordered
// program of steps (writes, operations, delays, config changes and nested
// scripts) stored in the control_script table, optionally guarded by an ACL
// from the control_acl table.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/storage"
)

// maxDepth bounds nested script steps so script cycles terminate.
const maxDepth = 10

// Caller identifies who asked for the script to run. Name and Type come from
// the authenticated caller, RequestURL is the ingress path the request
// arrived on. All three feed ACL matching.
type Caller struct {
	Name       string
	Type       string
	RequestURL string
}

// Dispatcher is the delivery surface steps use to act on the world. The
// dispatcher core implements it.
type Dispatcher interface {
	// SendSetPoint delivers a parameter write to the named service.
	SendSetPoint(ctx context.Context, service string, values *kvlist.KVList, caller Caller) bool
	// SendOperation delivers a named operation to the named service.
	SendOperation(ctx context.Context, service, operation string, params *kvlist.KVList, caller Caller) bool
	// SetConfigItem updates one configuration item via the core.
	SetConfigItem(ctx context.Context, category, item, value string) error
}

// Engine loads, caches and executes scripts.
type Engine struct {
	store      storage.ScriptStore
	dispatcher Dispatcher

	mu    sync.Mutex
	cache map[string]*Script
}

// NewEngine creates a script engine reading from the given store and
// delivering through the given dispatcher.
func NewEngine(store storage.ScriptStore, dispatcher Dispatcher) *Engine {
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		cache:      make(map[string]*Script),
	}
}

// Run executes the named script with the given parameters. Steps run
// sequentially in ascending order; the first failing step aborts the run.
// Returns false on load failure, ACL denial or step failure.
func (e *Engine) Run(ctx context.Context, name string, params *kvlist.KVList, caller Caller) bool {
	return e.run(ctx, name, params, caller, 0)
}

// Invalidate drops the cached copy of a script so the next run reloads it.
func (e *Engine) Invalidate(name string) {
	e.mu.Lock()
	delete(e.cache, name)
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, name string, params *kvlist.KVList, caller Caller, depth int) bool {
	if depth >= maxDepth {
		log.Error().Str("script", name).Int("depth", depth).
			Msg("Script nesting too deep, aborting")
		return false
	}

	s, err := e.load(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("script", name).Msg("Failed to load script")
		return false
	}
	allowed, err := e.checkACL(ctx, s.ACL, caller)
	if err != nil {
		log.Error().Err(err).Str("script", name).Msg("Failed to load script ACL")
		return false
	}
	if !allowed {
		log.Error().Str("script", name).Str("caller", caller.Name).
			Str("callerType", caller.Type).Msg("Caller denied by script ACL")
		return false
	}

	for _, step := range s.Steps {
		run, err := step.condition().satisfied(params)
		if err != nil {
			log.Warn().Err(err).Str("script", name).Int("order", step.order()).
				Msg("Skipping script step")
			continue
		}
		if !run {
			log.Debug().Str("script", name).Int("order", step.order()).
				Msg("Script step condition not met")
			continue
		}
		if !step.execute(ctx, e, params, caller, depth) {
			log.Error().Str("script", name).Int("order", step.order()).
				Msg("Script step failed, aborting script")
			return false
		}
	}
	return true
}

// load returns the parsed script, reading it from storage on first use.
func (e *Engine) load(ctx context.Context, name string) (*Script, error) {
	e.mu.Lock()
	if s, ok := e.cache[name]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	row, err := e.store.GetScript(ctx, name)
	if err != nil {
		return nil, err
	}
	s, err := parseScript(row)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[name] = s
	e.mu.Unlock()
	return s, nil
}

// Script is a loaded script: its steps sorted by ascending order plus the
// name of its ACL, empty when unrestricted.
type Script struct {
	Name  string
	ACL   string
	Steps []Step
}

// Step is one step of a script.
type Step interface {
	order() int
	condition() *Condition
	execute(ctx context.Context, e *Engine, params *kvlist.KVList, caller Caller, depth int) bool
}

// Condition gates a step on a parameter value.
type Condition struct {
	Key   string `json:"key"`
	Op    string `json:"condition"`
	Value string `json:"value"`
}

// satisfied evaluates the condition against the parameter list. A nil
// condition always holds. A missing key or unsupported operator is an error,
// which the caller turns into a skipped step.
func (c *Condition) satisfied(params *kvlist.KVList) (bool, error) {
	if c == nil {
		return true, nil
	}
	if !params.Has(c.Key) {
		return false, fmt.Errorf("condition key %q not in parameters", c.Key)
	}
	actual := params.Get(c.Key)
	switch c.Op {
	case "==":
		return actual == c.Value, nil
	case "!=":
		return actual != c.Value, nil
	default:
		return false, fmt.Errorf("unsupported condition operator %q", c.Op)
	}
}

// stepBase carries the fields common to every step kind.
type stepBase struct {
	Order int        `json:"order"`
	Cond  *Condition `json:"condition,omitempty"`
}

func (b stepBase) order() int            { return b.Order }
func (b stepBase) condition() *Condition { return b.Cond }

type writeStep struct {
	stepBase
	Service string         `json:"service"`
	Values  *kvlist.KVList `json:"values"`
}

func (s *writeStep) execute(ctx context.Context, e *Engine, params *kvlist.KVList, caller Caller, depth int) bool {
	values := s.Values.Copy()
	values.Substitute(params)
	return e.dispatcher.SendSetPoint(ctx, s.Service, values, caller)
}

type operationStep struct {
	stepBase
	Operation  string         `json:"operation"`
	Service    string         `json:"service"`
	Parameters *kvlist.KVList `json:"parameters,omitempty"`
}

func (s *operationStep) execute(ctx context.Context, e *Engine, params *kvlist.KVList, caller Caller, depth int) bool {
	stepParams := kvlist.New()
	if s.Parameters != nil {
		stepParams = s.Parameters.Copy()
	}
	stepParams.Substitute(params)
	return e.dispatcher.SendOperation(ctx, s.Service, s.Operation, stepParams, caller)
}

type delayStep struct {
	stepBase
	Duration int `json:"duration"` // milliseconds
}

func (s *delayStep) execute(ctx context.Context, e *Engine, params *kvlist.KVList, caller Caller, depth int) bool {
	t := time.NewTimer(time.Duration(s.Duration) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type configStep struct {
	stepBase
	Category string `json:"category"`
	Item     string `json:"name"`
	Value    string `json:"value"`
}

func (s *configStep) execute(ctx context.Context, e *Engine, params *kvlist.KVList, caller Caller, depth int) bool {
	if err := e.dispatcher.SetConfigItem(ctx, s.Category, s.Item, s.Value); err != nil {
		log.Error().Err(err).Str("category", s.Category).Str("item", s.Item).
			Msg("Script config step failed")
		return false
	}
	return true
}

type scriptStep struct {
	stepBase
	Name string `json:"name"`
}

func (s *scriptStep) execute(ctx context.Context, e *Engine, params *kvlist.KVList, caller Caller, depth int) bool {
	return e.run(ctx, s.Name, params, caller, depth+1)
}

// parseScript decodes the stored steps column. The column may hold a JSON
// array directly or a string containing one, historically written with
// single quotes.
func parseScript(row *storage.ScriptRow) (*Script, error) {
	raw := row.Steps
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		asString = strings.ReplaceAll(asString, "'", `"`)
		raw = json.RawMessage(asString)
	}

	var elements []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, fmt.Errorf("script %q: steps are not a JSON array: %w", row.Name, err)
	}

	byOrder := make(map[int]Step, len(elements))
	for i, el := range elements {
		if len(el) != 1 {
			return nil, fmt.Errorf("script %q: step %d must have exactly one kind", row.Name, i)
		}
		for kind, body := range el {
			step, err := parseStep(kind, body)
			if err != nil {
				return nil, fmt.Errorf("script %q: step %d: %w", row.Name, i, err)
			}
			if step.order() < 1 {
				return nil, fmt.Errorf("script %q: step %d: order must be >= 1", row.Name, i)
			}
			if _, dup := byOrder[step.order()]; dup {
				return nil, fmt.Errorf("script %q: duplicate step order %d", row.Name, step.order())
			}
			byOrder[step.order()] = step
		}
	}

	orders := make([]int, 0, len(byOrder))
	for o := range byOrder {
		orders = append(orders, o)
	}
	sort.Ints(orders)
	steps := make([]Step, 0, len(orders))
	for _, o := range orders {
		steps = append(steps, byOrder[o])
	}
	return &Script{Name: row.Name, ACL: row.ACL, Steps: steps}, nil
}

func parseStep(kind string, body json.RawMessage) (Step, error) {
	var step Step
	switch kind {
	case "write":
		step = &writeStep{}
	case "operation":
		step = &operationStep{}
	case "delay":
		step = &delayStep{}
	case "config":
		step = &configStep{}
	case "script":
		step = &scriptStep{}
	default:
		return nil, fmt.Errorf("unknown step kind %q", kind)
	}
	if err := json.Unmarshal(body, step); err != nil {
		return nil, fmt.Errorf("malformed %s step: %w", kind, err)
	}
	return step, nil
}

// ── ACL ─────────────────────────────────────────────────────

type aclServiceEntry struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

type aclURLEntry struct {
	URL string            `json:"url"`
	ACL []aclServiceEntry `json:"acl,omitempty"`
}

// checkACL evaluates the named ACL against the caller. An empty ACL name
// means unrestricted. Both the service list and the URL list must admit the
// caller; an empty list admits everyone.
func (e *Engine) checkACL(ctx context.Context, aclName string, caller Caller) (bool, error) {
	if aclName == "" {
		return true, nil
	}
	row, err := e.store.GetACL(ctx, aclName)
	if err != nil {
		return false, err
	}

	var services []aclServiceEntry
	if len(row.Service) > 0 {
		if err := json.Unmarshal(row.Service, &services); err != nil {
			return false, fmt.Errorf("ACL %q: malformed service list: %w", aclName, err)
		}
	}
	var urls []aclURLEntry
	if len(row.URL) > 0 {
		if err := json.Unmarshal(row.URL, &urls); err != nil {
			return false, fmt.Errorf("ACL %q: malformed url list: %w", aclName, err)
		}
	}

	serviceOK := len(services) == 0
	for _, entry := range services {
		if entry.Name != "" && entry.Name == caller.Name {
			serviceOK = true
			break
		}
		if entry.Type != "" && entry.Type == caller.Type {
			serviceOK = true
			break
		}
	}

	urlOK := len(urls) == 0
	for _, entry := range urls {
		if entry.URL == caller.RequestURL {
			urlOK = true
			break
		}
		for _, inner := range entry.ACL {
			if inner.Type == caller.Type {
				urlOK = true
				break
			}
		}
		if urlOK {
			break
		}
	}

	return serviceOK && urlOK, nil
}
