// Package storage provides read access to the control tables owned by the
// storage service: pipelines, filters, endpoint type lookups, automation
// scripts and ACLs. Handler and engine code depends on the Store interface,
// making it easy to swap between in-memory (tests) and PostgreSQL
// (production) implementations.
package storage

import (
	"context"
	"encoding/json"
)

// Table names as they appear in change notifications.
const (
	TablePipelines    = "control_pipelines"
	TableFilters      = "control_filters"
	TableSources      = "control_source"
	TableDestinations = "control_destination"
	TableScripts      = "control_script"
	TableACLs         = "control_acl"
)

// PipelineRow is one row of control_pipelines.
type PipelineRow struct {
	CPID      int64
	Name      string
	SType     int64
	SName     string
	DType     int64
	DName     string
	Enabled   bool
	Execution string // "Shared" or "Exclusive"
}

// FilterRow is one row of control_filters.
type FilterRow struct {
	CPID  int64
	Name  string
	Order int
}

// TypeRow is one row of control_source or control_destination.
type TypeRow struct {
	ID          int64
	Name        string
	Description string
}

// ScriptRow is one row of control_script. Steps holds the raw steps column,
// which may be a JSON array or a string containing one.
type ScriptRow struct {
	Name  string
	Steps json.RawMessage
	ACL   string
}

// ACLRow is one row of control_acl. Service and URL hold the raw JSON
// arrays of the two match lists.
type ACLRow struct {
	Name    string
	Service json.RawMessage
	URL     json.RawMessage
}

// Store is the read-only view of the control tables.
type Store interface {
	PipelineStore
	ScriptStore

	// Ping checks if the storage service is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close()
}

// PipelineStore covers the tables the pipeline manager loads from.
type PipelineStore interface {
	ListPipelines(ctx context.Context) ([]PipelineRow, error)
	GetPipeline(ctx context.Context, name string) (*PipelineRow, error)

	// ListFilters returns the filter rows for a pipeline ordered by
	// ascending forder.
	ListFilters(ctx context.Context, cpid int64) ([]FilterRow, error)

	ListSourceTypes(ctx context.Context) ([]TypeRow, error)
	ListDestinationTypes(ctx context.Context) ([]TypeRow, error)
}

// ScriptStore covers the automation script tables.
type ScriptStore interface {
	GetScript(ctx context.Context, name string) (*ScriptRow, error)
	GetACL(ctx context.Context, name string) (*ACLRow, error)
}

// ErrNotFound is returned when a requested row does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
