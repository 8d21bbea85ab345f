// Package dispatch implements the dispatcher core: the FIFO request queue,
// the worker pool that drains it, the service lifecycle and the outbound
// delivery of control requests to downstream services.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/pipeline"
	"github.com/edgectl/dispatcher/internal/registry"
	"github.com/edgectl/dispatcher/internal/script"
	"github.com/edgectl/dispatcher/internal/storage"
)

// Audit codes posted to the core at lifecycle transitions.
const (
	auditStarted  = "DSPST"
	auditShutdown = "DSPSD"
)

const (
	setPointPath  = "/fledge/south/setpoint"
	operationPath = "/fledge/south/operation"
)

// defaultWorkers is the dispatcherThreads default; the floor is one.
const defaultWorkers = 2

// Core is the slice of the service registry client the dispatcher consumes.
type Core interface {
	GetService(ctx context.Context, name string) (*registry.ServiceRecord, error)
	GetServicesByType(ctx context.Context, serviceType string) ([]registry.ServiceRecord, error)
	GetAssetIngestService(ctx context.Context, asset string) (*registry.ServiceRecord, error)
	SetCategoryItem(ctx context.Context, category, item, value string) error
	AddAuditEntry(ctx context.Context, code, severity string, details map[string]string) error
	Unregister(ctx context.Context) error
}

// Service is the control dispatcher: requests are queued by the ingress
// layer and executed by a pool of workers.
type Service struct {
	name    string
	core    Core
	manager *pipeline.Manager
	scripts *script.Engine
	client  *http.Client
	token   string
	dryRun  bool

	enabled atomic.Bool

	// onSecurity receives Security category changes. Wired once during
	// server assembly, before any request flows.
	onSecurity func(values map[string]string)

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Request
	stopping bool
	wg       sync.WaitGroup

	baseCtx context.Context
}

// NewService creates the dispatcher. The script engine is built here because
// the engine delivers through the service itself.
func NewService(name string, core Core, manager *pipeline.Manager, store storage.ScriptStore, token string, dryRun bool) *Service {
	s := &Service{
		name:    name,
		core:    core,
		manager: manager,
		client:  &http.Client{Timeout: 10 * time.Second},
		token:   token,
		dryRun:  dryRun,
		baseCtx: context.Background(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.enabled.Store(true)
	s.scripts = script.NewEngine(store, s)
	return s
}

// Scripts exposes the script engine, used by change notifications to drop
// cached scripts.
func (s *Service) Scripts() *script.Engine { return s.scripts }

// OnSecurityChange registers the handler invoked when the service's
// Security category changes. Must be called before Start.
func (s *Service) OnSecurityChange(fn func(values map[string]string)) {
	s.onSecurity = fn
}

// Start loads the control pipelines and spawns the worker pool. Pipelines
// must be loaded before the first worker runs, so a request arriving at
// startup never misses a configured pipeline.
func (s *Service) Start(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	s.baseCtx = ctx
	if err := s.manager.Load(ctx); err != nil {
		return fmt.Errorf("load control pipelines: %w", err)
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker(i)
	}
	log.Info().Int("workers", workers).Bool("dryRun", s.dryRun).
		Msg("🚀 Dispatcher started")
	if err := s.core.AddAuditEntry(ctx, auditStarted, "INFORMATION",
		map[string]string{"name": s.name}); err != nil {
		log.Warn().Err(err).Msg("Failed to record startup audit entry")
	}
	return nil
}

// Stop shuts the dispatcher down. Workers finish the request they are on,
// drain nothing further once the queue is empty, and exit. With
// removeFromCore false the registration is kept so the supervisor respawns
// the service in place.
func (s *Service) Stop(ctx context.Context, removeFromCore bool) {
	s.mu.Lock()
	s.stopping = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()

	if err := s.core.AddAuditEntry(ctx, auditShutdown, "INFORMATION",
		map[string]string{"name": s.name}); err != nil {
		log.Warn().Err(err).Msg("Failed to record shutdown audit entry")
	}
	if removeFromCore {
		if err := s.core.Unregister(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to unregister from core")
		}
	}
	log.Info().Bool("removeFromCore", removeFromCore).Msg("Dispatcher stopped")
}

// Queue appends a request and wakes one worker. It never blocks and never
// drops; requests queued while stopping are drained only if a worker is
// still running.
func (s *Service) Queue(req Request) bool {
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.cond.Signal()
	s.mu.Unlock()
	return true
}

// QueueLen reports the number of requests waiting to be picked up.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// getRequest blocks until a request is available or the service is
// stopping. Returns nil when stopping and the queue is empty.
func (s *Service) getRequest() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopping {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	return req
}

func (s *Service) worker(id int) {
	defer s.wg.Done()
	for {
		req := s.getRequest()
		if req == nil {
			log.Debug().Int("worker", id).Msg("Worker exiting")
			return
		}
		log.Debug().Int("worker", id).Str("request", req.Name()).
			Str("id", req.ID().String()).Msg("Executing control request")
		if !req.Execute(s.baseCtx, s) {
			log.Error().Str("request", req.Name()).Str("id", req.ID().String()).
				Msg("Control request failed")
		}
	}
}

// ── Configuration changes ───────────────────────────────────

// ConfigChange routes a changed configuration category: the service's own
// category toggles the enable flag, the Advanced category adjusts the log
// level, the Security category is forwarded to the registered handler, and
// anything else is offered to the pipeline manager as a filter category.
func (s *Service) ConfigChange(category string, values map[string]string) {
	switch category {
	case s.name:
		if v, ok := values["enable"]; ok {
			on := v == "true" || v == "t"
			s.enabled.Store(on)
			log.Info().Bool("enabled", on).Msg("Dispatcher enable flag changed")
		}
	case s.name + "Advanced":
		if lvl, ok := values["logLevel"]; ok {
			applyLogLevel(lvl)
		}
		if v, ok := values["dispatcherThreads"]; ok {
			log.Info().Str("dispatcherThreads", v).
				Msg("Worker count change takes effect on restart")
		}
	case s.name + "Security":
		if s.onSecurity != nil {
			s.onSecurity(values)
		}
		log.Info().Str("category", category).Msg("Security category updated")
	default:
		if s.manager.HasCategory(category) {
			s.manager.CategoryChanged(category, values)
		} else {
			log.Debug().Str("category", category).
				Msg("Change for unregistered category ignored")
		}
	}
}

// Enabled reports whether dispatching is enabled.
func (s *Service) Enabled() bool { return s.enabled.Load() }

func applyLogLevel(name string) {
	levels := map[string]zerolog.Level{
		"error":   zerolog.ErrorLevel,
		"warning": zerolog.WarnLevel,
		"info":    zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
	}
	lvl, ok := levels[name]
	if !ok {
		log.Warn().Str("logLevel", name).Msg("Unknown log level ignored")
		return
	}
	zerolog.SetGlobalLevel(lvl)
	log.Info().Str("logLevel", name).Msg("Log level changed")
}

// WorkerCount reads the dispatcherThreads item from the service's Advanced
// category, applying the default and the floor of one.
func WorkerCount(values map[string]string) int {
	v, ok := values["dispatcherThreads"]
	if !ok {
		return defaultWorkers
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return defaultWorkers
	}
	return n
}

// ── Outbound delivery ───────────────────────────────────────

type setPointPayload struct {
	Values *kvlist.KVList `json:"values"`
}

type operationPayload struct {
	Operation  string         `json:"operation"`
	Parameters *kvlist.KVList `json:"parameters,omitempty"`
}

// SendSetPoint delivers a parameter write to the named service.
func (s *Service) SendSetPoint(ctx context.Context, service string, values *kvlist.KVList, caller script.Caller) bool {
	rec, err := s.core.GetService(ctx, service)
	if err != nil {
		log.Error().Err(err).Str("service", service).
			Msg("Cannot resolve destination service")
		return false
	}
	return s.sendToService(ctx, rec, setPointPath, setPointPayload{Values: values}, caller)
}

// SendOperation delivers a named operation to the named service.
func (s *Service) SendOperation(ctx context.Context, service, operation string, params *kvlist.KVList, caller script.Caller) bool {
	rec, err := s.core.GetService(ctx, service)
	if err != nil {
		log.Error().Err(err).Str("service", service).
			Msg("Cannot resolve destination service")
		return false
	}
	payload := operationPayload{Operation: operation}
	if params != nil && params.Size() > 0 {
		payload.Parameters = params
	}
	return s.sendToService(ctx, rec, operationPath, payload, caller)
}

// SetConfigItem updates one configuration item via the core.
func (s *Service) SetConfigItem(ctx context.Context, category, item, value string) error {
	return s.core.SetCategoryItem(ctx, category, item, value)
}

// sendToService performs one outbound PUT. Returns false when dispatching is
// disabled, the service is unreachable or the reply is not 2xx.
func (s *Service) sendToService(ctx context.Context, rec *registry.ServiceRecord, path string, payload interface{}, caller script.Caller) bool {
	if !s.enabled.Load() {
		log.Warn().Str("service", rec.Name).
			Msg("Dispatcher is disabled, not sending control request")
		return false
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Cannot encode control request payload")
		return false
	}
	if s.dryRun {
		log.Info().Str("service", rec.Name).Str("path", path).
			RawJSON("payload", body).Msg("Dry run, control request not sent")
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rec.BaseURL()+path,
		bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("service", rec.Name).Msg("Cannot build control request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("Service-Orig-From", caller.Name)
	req.Header.Set("Service-Orig-Type", caller.Type)

	resp, err := s.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("service", rec.Name).Str("path", path).
			Msg("Control request delivery failed")
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Error().Int("status", resp.StatusCode).Str("service", rec.Name).
			Str("path", path).Msg("Destination service rejected control request")
		return false
	}
	log.Debug().Str("service", rec.Name).Str("path", path).Msg("Control request delivered")
	return true
}
