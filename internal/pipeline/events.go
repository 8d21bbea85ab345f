package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/endpoint"
	"github.com/edgectl/dispatcher/internal/storage"
)

// Where is the where clause of an update or delete change notification.
type Where struct {
	Column    string          `json:"column"`
	Condition string          `json:"condition"`
	Value     json.RawMessage `json:"value"`
	And       *Where          `json:"and,omitempty"`
}

// UpdatePayload is the envelope of an update or delete change notification.
type UpdatePayload struct {
	Values map[string]json.RawMessage `json:"values"`
	Where  *Where                     `json:"where"`
}

// lookupInt64 walks the where clause chain for an equality condition on the
// given column and returns its integer value.
func (w *Where) lookupInt64(column string) (int64, bool) {
	for c := w; c != nil; c = c.And {
		if c.Column != column {
			continue
		}
		var n int64
		if err := json.Unmarshal(c.Value, &n); err == nil {
			return n, true
		}
		var s string
		if err := json.Unmarshal(c.Value, &s); err == nil {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func (w *Where) lookupString(column string) (string, bool) {
	for c := w; c != nil; c = c.And {
		if c.Column != column {
			continue
		}
		var s string
		if err := json.Unmarshal(c.Value, &s); err == nil {
			return s, true
		}
	}
	return "", false
}

// RowInserted applies an insert notification for one of the monitored
// tables. The row is the full inserted row as a JSON object.
func (m *Manager) RowInserted(ctx context.Context, table string, row json.RawMessage) {
	switch table {
	case storage.TablePipelines:
		m.pipelineInserted(ctx, row)
	case storage.TableFilters:
		m.filterInserted(ctx, row)
	default:
		log.Debug().Str("table", table).Msg("Ignoring insert for unmonitored table")
	}
}

// RowUpdated applies an update notification carrying changed values and a
// where clause identifying the row.
func (m *Manager) RowUpdated(ctx context.Context, table string, payload UpdatePayload) {
	switch table {
	case storage.TablePipelines:
		m.pipelineUpdated(ctx, payload)
	case storage.TableFilters:
		m.filterUpdated(ctx, payload)
	default:
		log.Debug().Str("table", table).Msg("Ignoring update for unmonitored table")
	}
}

// RowDeleted applies a delete notification.
func (m *Manager) RowDeleted(ctx context.Context, table string, payload UpdatePayload) {
	switch table {
	case storage.TablePipelines:
		m.pipelineDeleted(ctx, payload)
	case storage.TableFilters:
		m.filterDeleted(ctx, payload)
	default:
		log.Debug().Str("table", table).Msg("Ignoring delete for unmonitored table")
	}
}

// pipelineRowEvent is the shape of a control_pipelines insert notification.
// The endpoint types may arrive as lookup table ids or as type names.
type pipelineRowEvent struct {
	Name      string          `json:"name"`
	SType     json.RawMessage `json:"stype"`
	SName     string          `json:"sname"`
	DType     json.RawMessage `json:"dtype"`
	DName     string          `json:"dname"`
	Enabled   json.RawMessage `json:"enabled"`
	Execution string          `json:"execution"`
}

func (m *Manager) pipelineInserted(ctx context.Context, row json.RawMessage) {
	var ev pipelineRowEvent
	if err := json.Unmarshal(row, &ev); err != nil {
		log.Error().Err(err).Msg("Malformed control pipeline insert notification")
		return
	}
	if ev.Name == "" {
		log.Error().Msg("Control pipeline insert notification is missing the pipeline name")
		return
	}

	// The notification does not carry the assigned id; re-query storage.
	stored, err := m.store.GetPipeline(ctx, ev.Name)
	if err != nil {
		log.Error().Err(err).Str("pipeline", ev.Name).
			Msg("Unable to resolve inserted control pipeline")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.buildPipeline(ctx, *stored)
	if err != nil {
		log.Error().Err(err).Str("pipeline", ev.Name).
			Msg("Failed to build inserted control pipeline")
		return
	}
	m.pipelines[stored.Name] = p
	m.idToName[stored.CPID] = stored.Name
	m.insertName(stored.Name)
	log.Info().Str("pipeline", stored.Name).Msg("Control pipeline added")
}

func (m *Manager) pipelineUpdated(ctx context.Context, payload UpdatePayload) {
	if payload.Where == nil {
		log.Error().Msg("Control pipeline update notification has no where clause")
		return
	}
	cpid, ok := payload.Where.lookupInt64("cpid")
	if !ok {
		log.Error().Msg("Control pipeline update notification does not identify a cpid")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.idToName[cpid]
	if !ok {
		log.Error().Int64("cpid", cpid).Msg("Update for unknown control pipeline")
		return
	}
	p := m.pipelines[name]

	endpointsChanged := false
	source, dest := p.Endpoints()
	for column, raw := range payload.Values {
		switch column {
		case "enabled":
			p.SetEnabled(parseBool(raw))
		case "execution":
			var s string
			if json.Unmarshal(raw, &s) == nil {
				p.SetExclusive(s == "Exclusive")
			}
		case "stype":
			if k, err := m.eventKind(raw, true); err == nil {
				source = endpoint.Make(k, source.Name())
				endpointsChanged = true
			}
		case "sname":
			var s string
			if json.Unmarshal(raw, &s) == nil {
				source = endpoint.Make(source.Kind(), s)
				endpointsChanged = true
			}
		case "dtype":
			if k, err := m.eventKind(raw, false); err == nil {
				dest = endpoint.Make(k, dest.Name())
				endpointsChanged = true
			}
		case "dname":
			var s string
			if json.Unmarshal(raw, &s) == nil {
				dest = endpoint.Make(dest.Kind(), s)
				endpointsChanged = true
			}
		}
	}
	if endpointsChanged {
		// Existing contexts were built for the old pattern; rebuild.
		p.SetEndpoints(source, dest)
		p.RemoveAllContexts()
	}
	log.Info().Str("pipeline", name).Msg("Control pipeline updated")
}

func (m *Manager) pipelineDeleted(ctx context.Context, payload UpdatePayload) {
	if payload.Where == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var name string
	if cpid, ok := payload.Where.lookupInt64("cpid"); ok {
		name = m.idToName[cpid]
		delete(m.idToName, cpid)
	} else if n, ok := payload.Where.lookupString("name"); ok {
		name = n
		for id, pname := range m.idToName {
			if pname == name {
				delete(m.idToName, id)
				break
			}
		}
	}
	p, ok := m.pipelines[name]
	if !ok {
		log.Error().Str("pipeline", name).Msg("Delete for unknown control pipeline")
		return
	}
	p.RemoveAllContexts()
	delete(m.pipelines, name)
	m.removeName(name)
	log.Info().Str("pipeline", name).Msg("Control pipeline removed")
}

// filterRowEvent is the shape of a control_filters insert notification.
type filterRowEvent struct {
	CPID  int64  `json:"cpid"`
	Name  string `json:"fname"`
	Order int    `json:"forder"`
}

func (m *Manager) filterInserted(ctx context.Context, row json.RawMessage) {
	var ev filterRowEvent
	if err := json.Unmarshal(row, &ev); err != nil {
		log.Error().Err(err).Msg("Malformed control filter insert notification")
		return
	}
	m.mu.Lock()
	p := m.pipelines[m.idToName[ev.CPID]]
	m.mu.Unlock()
	if p == nil {
		log.Error().Int64("cpid", ev.CPID).Str("filter", ev.Name).
			Msg("Filter insert for unknown control pipeline")
		return
	}
	p.AddFilter(ctx, ev.Name, ev.Order)
	log.Info().Str("pipeline", p.Name()).Str("filter", ev.Name).Int("order", ev.Order).
		Msg("Filter added to control pipeline")
}

func (m *Manager) filterUpdated(ctx context.Context, payload UpdatePayload) {
	if payload.Where == nil {
		return
	}
	raw, ok := payload.Values["forder"]
	if !ok {
		return // only order changes are meaningful for filters
	}
	var order int
	if err := json.Unmarshal(raw, &order); err != nil {
		return
	}
	cpid, ok := payload.Where.lookupInt64("cpid")
	if !ok {
		return
	}
	fname, ok := payload.Where.lookupString("fname")
	if !ok {
		return
	}
	m.mu.Lock()
	p := m.pipelines[m.idToName[cpid]]
	m.mu.Unlock()
	if p == nil {
		log.Error().Int64("cpid", cpid).Msg("Filter update for unknown control pipeline")
		return
	}
	p.Reorder(ctx, fname, order)
}

func (m *Manager) filterDeleted(ctx context.Context, payload UpdatePayload) {
	if payload.Where == nil {
		return
	}
	cpid, ok := payload.Where.lookupInt64("cpid")
	if !ok {
		return
	}
	fname, ok := payload.Where.lookupString("fname")
	if !ok {
		return
	}
	m.mu.Lock()
	p := m.pipelines[m.idToName[cpid]]
	m.mu.Unlock()
	if p == nil {
		log.Error().Int64("cpid", cpid).Msg("Filter delete for unknown control pipeline")
		return
	}
	p.RemoveFilter(ctx, fname)
	log.Info().Str("pipeline", p.Name()).Str("filter", fname).
		Msg("Filter removed from control pipeline")
}

// eventKind resolves an endpoint type carried in a notification, which may
// be a lookup table id or a type name.
func (m *Manager) eventKind(raw json.RawMessage, source bool) (endpoint.Kind, error) {
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		if source {
			return m.sourceTypes[id].kind, nil
		}
		return m.destTypes[id].kind, nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if source {
			return m.FindSourceType(name), nil
		}
		return m.FindDestinationType(name), nil
	}
	return endpoint.Undefined, fmt.Errorf("unparseable endpoint type: %s", string(raw))
}

func parseBool(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "t" || s == "true"
	}
	return false
}
