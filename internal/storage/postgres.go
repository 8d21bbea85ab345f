package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore reads the control tables from a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database holding the control tables.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("storage connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage ping: %w", err)
	}
	log.Info().Msg("Control table store connected")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) ListPipelines(ctx context.Context) ([]PipelineRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cpid, name, stype, COALESCE(sname, ''), dtype, COALESCE(dname, ''),
		        enabled, execution
		   FROM control_pipelines ORDER BY cpid`)
	if err != nil {
		return nil, fmt.Errorf("list control pipelines: %w", err)
	}
	defer rows.Close()

	var out []PipelineRow
	for rows.Next() {
		var r PipelineRow
		if err := rows.Scan(&r.CPID, &r.Name, &r.SType, &r.SName,
			&r.DType, &r.DName, &r.Enabled, &r.Execution); err != nil {
			return nil, fmt.Errorf("scan control pipeline: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPipeline(ctx context.Context, name string) (*PipelineRow, error) {
	var r PipelineRow
	err := s.pool.QueryRow(ctx,
		`SELECT cpid, name, stype, COALESCE(sname, ''), dtype, COALESCE(dname, ''),
		        enabled, execution
		   FROM control_pipelines WHERE name = $1`, name).
		Scan(&r.CPID, &r.Name, &r.SType, &r.SName, &r.DType, &r.DName,
			&r.Enabled, &r.Execution)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "control pipeline", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get control pipeline %q: %w", name, err)
	}
	return &r, nil
}

func (s *PostgresStore) ListFilters(ctx context.Context, cpid int64) ([]FilterRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cpid, fname, forder FROM control_filters
		  WHERE cpid = $1 ORDER BY forder`, cpid)
	if err != nil {
		return nil, fmt.Errorf("list control filters: %w", err)
	}
	defer rows.Close()

	var out []FilterRow
	for rows.Next() {
		var r FilterRow
		if err := rows.Scan(&r.CPID, &r.Name, &r.Order); err != nil {
			return nil, fmt.Errorf("scan control filter: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSourceTypes(ctx context.Context) ([]TypeRow, error) {
	return s.listTypes(ctx,
		`SELECT cpsid, name, COALESCE(description, '') FROM control_source`)
}

func (s *PostgresStore) ListDestinationTypes(ctx context.Context) ([]TypeRow, error) {
	return s.listTypes(ctx,
		`SELECT cpdid, name, COALESCE(description, '') FROM control_destination`)
}

func (s *PostgresStore) listTypes(ctx context.Context, query string) ([]TypeRow, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list endpoint types: %w", err)
	}
	defer rows.Close()

	var out []TypeRow
	for rows.Next() {
		var r TypeRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return nil, fmt.Errorf("scan endpoint type: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetScript(ctx context.Context, name string) (*ScriptRow, error) {
	var r ScriptRow
	var steps []byte
	var acl *string
	err := s.pool.QueryRow(ctx,
		`SELECT name, steps, acl FROM control_script WHERE name = $1`, name).
		Scan(&r.Name, &steps, &acl)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "control script", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get control script %q: %w", name, err)
	}
	r.Steps = json.RawMessage(steps)
	if acl != nil {
		r.ACL = *acl
	}
	return &r, nil
}

func (s *PostgresStore) GetACL(ctx context.Context, name string) (*ACLRow, error) {
	var r ACLRow
	var service, url []byte
	err := s.pool.QueryRow(ctx,
		`SELECT name, service, url FROM control_acl WHERE name = $1`, name).
		Scan(&r.Name, &service, &url)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "control ACL", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get control ACL %q: %w", name, err)
	}
	r.Service = json.RawMessage(service)
	r.URL = json.RawMessage(url)
	return &r, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
