package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store used by tests and by
// dry-run startup. All methods are safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]PipelineRow
	filters   []FilterRow
	sources   []TypeRow
	dests     []TypeRow
	scripts   map[string]ScriptRow
	acls      map[string]ACLRow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]PipelineRow),
		scripts:   make(map[string]ScriptRow),
		acls:      make(map[string]ACLRow),
	}
}

// AddPipeline inserts or replaces a pipeline row.
func (s *MemoryStore) AddPipeline(row PipelineRow) {
	s.mu.Lock()
	s.pipelines[row.Name] = row
	s.mu.Unlock()
}

// AddFilter appends a filter row.
func (s *MemoryStore) AddFilter(row FilterRow) {
	s.mu.Lock()
	s.filters = append(s.filters, row)
	s.mu.Unlock()
}

// AddSourceType appends a source endpoint type row.
func (s *MemoryStore) AddSourceType(row TypeRow) {
	s.mu.Lock()
	s.sources = append(s.sources, row)
	s.mu.Unlock()
}

// AddDestinationType appends a destination endpoint type row.
func (s *MemoryStore) AddDestinationType(row TypeRow) {
	s.mu.Lock()
	s.dests = append(s.dests, row)
	s.mu.Unlock()
}

// AddScript inserts or replaces a script row.
func (s *MemoryStore) AddScript(row ScriptRow) {
	s.mu.Lock()
	s.scripts[row.Name] = row
	s.mu.Unlock()
}

// AddACL inserts or replaces an ACL row.
func (s *MemoryStore) AddACL(row ACLRow) {
	s.mu.Lock()
	s.acls[row.Name] = row
	s.mu.Unlock()
}

func (s *MemoryStore) ListPipelines(ctx context.Context) ([]PipelineRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PipelineRow, 0, len(s.pipelines))
	for _, row := range s.pipelines {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPID < out[j].CPID })
	return out, nil
}

func (s *MemoryStore) GetPipeline(ctx context.Context, name string) (*PipelineRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.pipelines[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "control pipeline", Key: name}
	}
	return &row, nil
}

func (s *MemoryStore) ListFilters(ctx context.Context, cpid int64) ([]FilterRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FilterRow
	for _, row := range s.filters {
		if row.CPID == cpid {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *MemoryStore) ListSourceTypes(ctx context.Context) ([]TypeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TypeRow(nil), s.sources...), nil
}

func (s *MemoryStore) ListDestinationTypes(ctx context.Context) ([]TypeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TypeRow(nil), s.dests...), nil
}

func (s *MemoryStore) GetScript(ctx context.Context, name string) (*ScriptRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.scripts[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "control script", Key: name}
	}
	return &row, nil
}

func (s *MemoryStore) GetACL(ctx context.Context, name string) (*ACLRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.acls[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "control ACL", Key: name}
	}
	return &row, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}
