// Package handlers implements the HTTP handlers of the dispatcher ingress:
// the two dispatch endpoints that queue control requests and the table
// change notifications that keep the pipeline registry current.
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/api/middleware"
	"github.com/edgectl/dispatcher/internal/dispatch"
	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/pipeline"
	"github.com/edgectl/dispatcher/internal/script"
	"github.com/edgectl/dispatcher/internal/storage"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Service *dispatch.Service
	Manager *pipeline.Manager
}

// New creates a Handlers instance.
func New(svc *dispatch.Service, manager *pipeline.Manager) *Handlers {
	return &Handlers{Service: svc, Manager: manager}
}

// caller builds the request's caller identity: the authenticated identity
// from the middleware, optionally overridden by the payload's advisory
// source fields.
func caller(r *http.Request, advisoryType, advisoryName string) script.Caller {
	c := middleware.CallerFrom(r.Context())
	out := script.Caller{Name: c.Name, Type: c.Type, RequestURL: r.URL.Path}
	if advisoryType != "" {
		out.Type = advisoryType
	}
	if advisoryName != "" {
		out.Name = advisoryName
	}
	return out
}

type writeBody struct {
	Destination string         `json:"destination"`
	Name        string         `json:"name"`
	Write       *kvlist.KVList `json:"write"`
	Source      string         `json:"source"`
	SourceName  string         `json:"source_name"`
}

// DispatchWrite queues a parameter write. The destination selects the
// request variant; name is required for every destination but broadcast.
func (h *Handlers) DispatchWrite(w http.ResponseWriter, r *http.Request) {
	var body writeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "malformed write payload: "+err.Error())
		return
	}
	if body.Write == nil {
		badRequest(w, "write object is required")
		return
	}
	c := caller(r, body.Source, body.SourceName)

	var req dispatch.Request
	switch body.Destination {
	case "service":
		if body.Name == "" {
			badRequest(w, "name is required for destination service")
			return
		}
		req = dispatch.NewWriteService(body.Name, body.Write, c)
	case "asset":
		if body.Name == "" {
			badRequest(w, "name is required for destination asset")
			return
		}
		req = dispatch.NewWriteAsset(body.Name, body.Write, c)
	case "script":
		if body.Name == "" {
			badRequest(w, "name is required for destination script")
			return
		}
		req = dispatch.NewWriteScript(body.Name, body.Write, c)
	case "broadcast":
		req = dispatch.NewWriteBroadcast(body.Write, c)
	default:
		badRequest(w, "unknown destination "+body.Destination)
		return
	}

	h.Service.Queue(req)
	queued(w)
}

type operationBody struct {
	Destination string                    `json:"destination"`
	Name        string                    `json:"name"`
	Operation   map[string]*kvlist.KVList `json:"operation"`
	Source      string                    `json:"source"`
	SourceName  string                    `json:"source_name"`
}

// DispatchOperation queues one operation request per key of the operation
// object.
func (h *Handlers) DispatchOperation(w http.ResponseWriter, r *http.Request) {
	var body operationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "malformed operation payload: "+err.Error())
		return
	}
	if len(body.Operation) == 0 {
		badRequest(w, "operation object is required")
		return
	}
	c := caller(r, body.Source, body.SourceName)

	names := make([]string, 0, len(body.Operation))
	for op := range body.Operation {
		names = append(names, op)
	}
	sort.Strings(names)

	for _, op := range names {
		params := body.Operation[op]
		if params == nil {
			params = kvlist.New()
		}
		var req dispatch.Request
		switch body.Destination {
		case "service":
			if body.Name == "" {
				badRequest(w, "name is required for destination service")
				return
			}
			req = dispatch.NewOpService(op, body.Name, params, c)
		case "asset":
			if body.Name == "" {
				badRequest(w, "name is required for destination asset")
				return
			}
			req = dispatch.NewOpAsset(op, body.Name, params, c)
		case "broadcast":
			req = dispatch.NewOpBroadcast(op, params, c)
		default:
			badRequest(w, "unknown destination "+body.Destination)
			return
		}
		h.Service.Queue(req)
	}
	queued(w)
}

// ConfigChange handles a category change callback from the core, delivered
// because the service registered interest in the category. Item values may
// arrive as plain strings or as item objects carrying a value member.
func (h *Handlers) ConfigChange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category string                     `json:"category"`
		Items    map[string]json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "malformed category change: "+err.Error())
		return
	}
	if body.Category == "" {
		badRequest(w, "category is required")
		return
	}
	values := make(map[string]string, len(body.Items))
	for k, raw := range body.Items {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			values[k] = s
			continue
		}
		var item struct {
			Value string `json:"value"`
		}
		if json.Unmarshal(raw, &item) == nil {
			values[k] = item.Value
		}
	}
	h.Service.ConfigChange(body.Category, values)
	w.WriteHeader(http.StatusOK)
}

// TableInsert handles an insert notification. The body is the inserted row,
// or an array of inserted rows.
func (h *Handlers) TableInsert(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		badRequest(w, "malformed insert notification: "+err.Error())
		return
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		rows = []json.RawMessage{raw}
	}
	for _, row := range rows {
		if table == storage.TableScripts {
			h.invalidateScriptFromRow(row)
			continue
		}
		h.Manager.RowInserted(r.Context(), table, row)
	}
	w.WriteHeader(http.StatusOK)
}

// TableUpdate handles an update notification carrying a values/where
// envelope.
func (h *Handlers) TableUpdate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	payload, ok := decodeEnvelope(w, r)
	if !ok {
		return
	}
	if table == storage.TableScripts {
		h.invalidateScriptFromWhere(payload.Where)
		w.WriteHeader(http.StatusOK)
		return
	}
	h.Manager.RowUpdated(r.Context(), table, payload)
	w.WriteHeader(http.StatusOK)
}

// TableDelete handles a delete notification.
func (h *Handlers) TableDelete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	payload, ok := decodeEnvelope(w, r)
	if !ok {
		return
	}
	if table == storage.TableScripts {
		h.invalidateScriptFromWhere(payload.Where)
		w.WriteHeader(http.StatusOK)
		return
	}
	h.Manager.RowDeleted(r.Context(), table, payload)
	w.WriteHeader(http.StatusOK)
}

func decodeEnvelope(w http.ResponseWriter, r *http.Request) (pipeline.UpdatePayload, bool) {
	var payload pipeline.UpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		badRequest(w, "malformed change notification: "+err.Error())
		return payload, false
	}
	return payload, true
}

// A changed script row only needs its cached parse dropped; the next run
// reloads it from storage.
func (h *Handlers) invalidateScriptFromRow(row json.RawMessage) {
	var ev struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(row, &ev); err != nil || ev.Name == "" {
		return
	}
	h.Service.Scripts().Invalidate(ev.Name)
	log.Debug().Str("script", ev.Name).Msg("Dropped cached script")
}

func (h *Handlers) invalidateScriptFromWhere(where *pipeline.Where) {
	for c := where; c != nil; c = c.And {
		if c.Column != "name" {
			continue
		}
		var name string
		if json.Unmarshal(c.Value, &name) == nil && name != "" {
			h.Service.Scripts().Invalidate(name)
			log.Debug().Str("script", name).Msg("Dropped cached script")
		}
	}
}

func queued(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"message": "Request queued"})
}

func badRequest(w http.ResponseWriter, message string) {
	log.Warn().Str("reason", message).Msg("Rejected dispatch request")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
