// Package server wires the dispatcher together: configuration, storage,
// the core registry client, the pipeline manager, the dispatcher core and
// the HTTP ingress.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/api"
	"github.com/edgectl/dispatcher/internal/api/handlers"
	"github.com/edgectl/dispatcher/internal/api/middleware"
	"github.com/edgectl/dispatcher/internal/config"
	"github.com/edgectl/dispatcher/internal/dispatch"
	"github.com/edgectl/dispatcher/internal/filter"
	"github.com/edgectl/dispatcher/internal/pipeline"
	"github.com/edgectl/dispatcher/internal/registry"
	"github.com/edgectl/dispatcher/internal/storage"
	"github.com/edgectl/dispatcher/internal/telemetry"
)

// Server holds the initialized dispatcher service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Dispatcher is the request queue and worker pool.
	Dispatcher *dispatch.Service

	// Store holds the control tables.
	Store storage.Store

	// Workers is the worker pool size read from the Advanced category.
	Workers int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error

	core *registry.Client
}

// New initializes all dispatcher components and returns a ready Server.
// Registration with the core retries with backoff; a failure after that is
// fatal, as is an unreachable control table store.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var store storage.Store
	if cfg.DryRun {
		// Dry runs never touch the database.
		store = storage.NewMemoryStore()
		log.Info().Msg("✅ In-memory control table store (dry run)")
	} else {
		store, err = storage.NewPostgresStore(ctx, cfg.Storage.URL)
		if err != nil {
			return nil, err
		}
	}

	core := registry.NewClient(cfg.Core.Address, cfg.Core.Port, cfg.Token)
	if err := core.Register(ctx, registry.ServiceRecord{
		Name:     cfg.Name,
		Type:     "Dispatcher",
		Protocol: "http",
		Address:  cfg.Address,
		Port:     cfg.Port,
	}); err != nil {
		return nil, err
	}

	if err := seedCategories(ctx, core, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to seed configuration categories")
	}

	workers := dispatch.WorkerCount(nil)
	authRequired := new(atomic.Bool)
	if advanced, err := core.GetCategory(ctx, cfg.Name+"Advanced"); err == nil {
		workers = dispatch.WorkerCount(advanced)
	}
	if security, err := core.GetCategory(ctx, cfg.Name+"Security"); err == nil {
		authRequired.Store(security["authenticatedCaller"] == "true")
	}

	filters := filter.NewRegistry()
	manager := pipeline.NewManager(store, core, filters)
	svc := dispatch.NewService(cfg.Name, core, manager, store, cfg.Token, cfg.DryRun)
	svc.OnSecurityChange(func(values map[string]string) {
		if v, ok := values["authenticatedCaller"]; ok {
			on := v == "true" || v == "t"
			authRequired.Store(on)
			log.Info().Bool("authenticatedCaller", on).Msg("Caller authentication toggled")
		}
	})

	h := handlers.New(svc, manager)
	var verifier middleware.TokenVerifier = core
	router := api.NewRouter(cfg.Name, h, verifier, authRequired)

	log.Info().Msg("✅ Pipeline manager initialized")
	log.Info().Msg("✅ Dispatcher core initialized")

	return &Server{
		Handler:      router,
		Dispatcher:   svc,
		Store:        store,
		Workers:      workers,
		ShutdownFunc: shutdown,
		core:         core,
	}, nil
}

// Start loads the pipelines, spawns the worker pool and subscribes the
// control tables to change notifications. Interests are registered after the
// initial load so no notification arrives for state the manager has not
// seen yet.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Dispatcher.Start(ctx, s.Workers); err != nil {
		return err
	}
	tables := []string{storage.TablePipelines, storage.TableFilters, storage.TableScripts}
	for _, table := range tables {
		if err := s.core.RegisterTableInterest(ctx, table); err != nil {
			log.Warn().Err(err).Str("table", table).
				Msg("Failed to register control table interest")
		}
	}
	return nil
}

// Stop drains the workers and optionally removes the core registration.
// Keeping the registration asks the supervisor to respawn the service.
func (s *Server) Stop(ctx context.Context, removeFromCore bool) {
	s.Dispatcher.Stop(ctx, removeFromCore)
	s.Store.Close()
}

// seedCategories upserts the service's own configuration categories so the
// core has them with defaults on first start.
func seedCategories(ctx context.Context, core *registry.Client, cfg *config.Config) error {
	if err := core.UpsertCategory(ctx, cfg.Name, "Dispatcher service", map[string]string{
		"enable": "true",
	}); err != nil {
		return err
	}
	if err := core.UpsertCategory(ctx, cfg.Name+"Advanced", "Dispatcher advanced options", map[string]string{
		"logLevel":          cfg.LogLevel,
		"dispatcherThreads": "2",
	}); err != nil {
		return err
	}
	if err := core.UpsertCategory(ctx, cfg.Name+"Security", "Dispatcher security options", map[string]string{
		"authenticatedCaller": "false",
	}); err != nil {
		return err
	}
	for _, category := range []string{cfg.Name, cfg.Name + "Advanced", cfg.Name + "Security"} {
		if err := core.RegisterCategoryInterest(ctx, category); err != nil {
			return err
		}
	}
	return nil
}
