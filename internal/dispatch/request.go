package dispatch

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/endpoint"
	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/script"
)

// Request is one queued control job. Execute runs on a worker: it first
// offers the request's values to a matching control filter pipeline, then
// dispatches the possibly transformed values to the destination.
type Request interface {
	Name() string
	ID() uuid.UUID
	Execute(ctx context.Context, s *Service) bool
}

// requestBase carries the caller identity and correlation id every variant
// shares.
type requestBase struct {
	id     uuid.UUID
	caller script.Caller
}

func newRequestBase(caller script.Caller) requestBase {
	return requestBase{id: uuid.New(), caller: caller}
}

func (r requestBase) ID() uuid.UUID { return r.id }

// sourceEndpoint derives the matching source from the caller identity.
// Callers with no registered type (plain API clients) match as API.
func (r requestBase) sourceEndpoint() endpoint.Endpoint {
	kind := endpoint.KindFromName(r.caller.Type)
	if kind == endpoint.Undefined {
		kind = endpoint.API
	}
	return endpoint.Make(kind, r.caller.Name)
}

// filterValues runs the values through the best matching pipeline for the
// (source, dest) pair, replacing them in place. Returns false when the
// pipeline suppressed the request, in which case dispatch must be skipped.
func filterValues(ctx context.Context, s *Service, source, dest endpoint.Endpoint, values *kvlist.KVList) bool {
	p := s.manager.FindPipeline(source, dest)
	if p == nil {
		return true
	}
	if !p.Enabled() {
		log.Debug().Str("pipeline", p.Name()).Msg("Matching pipeline is disabled")
		return true
	}
	ec := p.GetExecutionContext(source, dest)
	out := ec.Filter(ctx, values.ToReading("reading"))
	if out == nil {
		return false
	}
	values.FromReading(out)
	return true
}

// ── Write variants ──────────────────────────────────────────

// WriteService writes parameter values to one named service.
type WriteService struct {
	requestBase
	Service string
	Values  *kvlist.KVList
}

// NewWriteService builds a write request addressed to a service.
func NewWriteService(service string, values *kvlist.KVList, caller script.Caller) *WriteService {
	return &WriteService{requestBase: newRequestBase(caller), Service: service, Values: values}
}

func (r *WriteService) Name() string { return "write to service " + r.Service }

func (r *WriteService) Execute(ctx context.Context, s *Service) bool {
	dest := endpoint.Make(endpoint.Service, r.Service)
	if !filterValues(ctx, s, r.sourceEndpoint(), dest, r.Values) {
		return true
	}
	return s.SendSetPoint(ctx, r.Service, r.Values, r.caller)
}

// WriteAsset writes parameter values to the service that ingests an asset.
type WriteAsset struct {
	requestBase
	Asset  string
	Values *kvlist.KVList
}

// NewWriteAsset builds a write request addressed by asset name.
func NewWriteAsset(asset string, values *kvlist.KVList, caller script.Caller) *WriteAsset {
	return &WriteAsset{requestBase: newRequestBase(caller), Asset: asset, Values: values}
}

func (r *WriteAsset) Name() string { return "write to asset " + r.Asset }

func (r *WriteAsset) Execute(ctx context.Context, s *Service) bool {
	dest := endpoint.Make(endpoint.Asset, r.Asset)
	if !filterValues(ctx, s, r.sourceEndpoint(), dest, r.Values) {
		return true
	}
	rec, err := s.core.GetAssetIngestService(ctx, r.Asset)
	if err != nil {
		log.Error().Err(err).Str("asset", r.Asset).
			Msg("Cannot resolve ingest service for asset")
		return false
	}
	return s.sendToService(ctx, rec, setPointPath, setPointPayload{Values: r.Values}, r.caller)
}

// WriteBroadcast writes parameter values to every southbound service.
type WriteBroadcast struct {
	requestBase
	Values *kvlist.KVList
}

// NewWriteBroadcast builds a write request addressed to all southbound
// services.
func NewWriteBroadcast(values *kvlist.KVList, caller script.Caller) *WriteBroadcast {
	return &WriteBroadcast{requestBase: newRequestBase(caller), Values: values}
}

func (r *WriteBroadcast) Name() string { return "broadcast write" }

func (r *WriteBroadcast) Execute(ctx context.Context, s *Service) bool {
	dest := endpoint.Make(endpoint.Broadcast, "")
	if !filterValues(ctx, s, r.sourceEndpoint(), dest, r.Values) {
		return true
	}
	recs, err := s.core.GetServicesByType(ctx, "Southbound")
	if err != nil {
		log.Error().Err(err).Msg("Cannot resolve southbound services for broadcast")
		return false
	}
	payload := setPointPayload{Values: r.Values}
	for i := range recs {
		// Each recipient's outcome is independent.
		if !s.sendToService(ctx, &recs[i], setPointPath, payload, r.caller) {
			log.Info().Str("service", recs[i].Name).
				Msg("Broadcast write skipped unreachable service")
		}
	}
	return true
}

// WriteScript runs a named automation script with the values as parameters.
type WriteScript struct {
	requestBase
	Script string
	Values *kvlist.KVList
}

// NewWriteScript builds a request that runs a script.
func NewWriteScript(name string, values *kvlist.KVList, caller script.Caller) *WriteScript {
	return &WriteScript{requestBase: newRequestBase(caller), Script: name, Values: values}
}

func (r *WriteScript) Name() string { return "run script " + r.Script }

func (r *WriteScript) Execute(ctx context.Context, s *Service) bool {
	dest := endpoint.Make(endpoint.Script, r.Script)
	if !filterValues(ctx, s, r.sourceEndpoint(), dest, r.Values) {
		return true
	}
	return s.scripts.Run(ctx, r.Script, r.Values, r.caller)
}

// ── Operation variants ──────────────────────────────────────

// OpService invokes a named operation on one service.
type OpService struct {
	requestBase
	Operation string
	Service   string
	Params    *kvlist.KVList
}

// NewOpService builds an operation request addressed to a service.
func NewOpService(operation, service string, params *kvlist.KVList, caller script.Caller) *OpService {
	return &OpService{requestBase: newRequestBase(caller), Operation: operation,
		Service: service, Params: params}
}

func (r *OpService) Name() string { return "operation " + r.Operation + " on service " + r.Service }

func (r *OpService) Execute(ctx context.Context, s *Service) bool {
	dest := endpoint.Make(endpoint.Service, r.Service)
	if !filterValues(ctx, s, r.sourceEndpoint(), dest, r.Params) {
		return true
	}
	return s.SendOperation(ctx, r.Service, r.Operation, r.Params, r.caller)
}

// OpAsset invokes a named operation on the service that ingests an asset.
type OpAsset struct {
	requestBase
	Operation string
	Asset     string
	Params    *kvlist.KVList
}

// NewOpAsset builds an operation request addressed by asset name.
func NewOpAsset(operation, asset string, params *kvlist.KVList, caller script.Caller) *OpAsset {
	return &OpAsset{requestBase: newRequestBase(caller), Operation: operation,
		Asset: asset, Params: params}
}

func (r *OpAsset) Name() string { return "operation " + r.Operation + " on asset " + r.Asset }

func (r *OpAsset) Execute(ctx context.Context, s *Service) bool {
	dest := endpoint.Make(endpoint.Asset, r.Asset)
	if !filterValues(ctx, s, r.sourceEndpoint(), dest, r.Params) {
		return true
	}
	rec, err := s.core.GetAssetIngestService(ctx, r.Asset)
	if err != nil {
		log.Error().Err(err).Str("asset", r.Asset).
			Msg("Cannot resolve ingest service for asset")
		return false
	}
	payload := operationPayload{Operation: r.Operation}
	if r.Params != nil && r.Params.Size() > 0 {
		payload.Parameters = r.Params
	}
	return s.sendToService(ctx, rec, operationPath, payload, r.caller)
}

// OpBroadcast invokes a named operation on every southbound service.
type OpBroadcast struct {
	requestBase
	Operation string
	Params    *kvlist.KVList
}

// NewOpBroadcast builds an operation request addressed to all southbound
// services.
func NewOpBroadcast(operation string, params *kvlist.KVList, caller script.Caller) *OpBroadcast {
	return &OpBroadcast{requestBase: newRequestBase(caller), Operation: operation, Params: params}
}

func (r *OpBroadcast) Name() string { return "broadcast operation " + r.Operation }

func (r *OpBroadcast) Execute(ctx context.Context, s *Service) bool {
	dest := endpoint.Make(endpoint.Broadcast, "")
	if !filterValues(ctx, s, r.sourceEndpoint(), dest, r.Params) {
		return true
	}
	recs, err := s.core.GetServicesByType(ctx, "Southbound")
	if err != nil {
		log.Error().Err(err).Msg("Cannot resolve southbound services for broadcast")
		return false
	}
	payload := operationPayload{Operation: r.Operation}
	if r.Params != nil && r.Params.Size() > 0 {
		payload.Parameters = r.Params
	}
	for i := range recs {
		if !s.sendToService(ctx, &recs[i], operationPath, payload, r.caller) {
			log.Info().Str("service", recs[i].Name).
				Msg("Broadcast operation skipped unreachable service")
		}
	}
	return true
}
