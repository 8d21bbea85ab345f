package filter

import (
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/reading"
)

// base carries the state common to the built-in plugins. The config mutex
// only guards against Reconfigure racing an Ingest; chain rewiring is
// serialised by the execution context above us.
type base struct {
	name string
	mu   sync.Mutex
	cfg  map[string]string
	next Ingestor
	up   bool
}

func (b *base) Name() string { return b.name }

func (b *base) Init(config map[string]string, next Ingestor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.up {
		panic("filter plugin " + b.name + " re-initialised without shutdown")
	}
	b.cfg = config
	b.next = next
	b.up = true
	return nil
}

func (b *base) Reconfigure(config map[string]string) {
	b.mu.Lock()
	b.cfg = config
	b.mu.Unlock()
}

func (b *base) Shutdown() {
	b.mu.Lock()
	b.up = false
	b.next = nil
	b.mu.Unlock()
}

func (b *base) config(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg[key]
}

func (b *base) forward(set *reading.Set) {
	b.mu.Lock()
	next := b.next
	b.mu.Unlock()
	if next != nil {
		next.Ingest(set)
	}
}

// ── rename ──────────────────────────────────────────────────

// renamePlugin renames datapoints from the "currentName" config item to
// "newName" in every reading.
type renamePlugin struct{ base }

func newRenamePlugin() Plugin {
	return &renamePlugin{base{name: "rename"}}
}

func (p *renamePlugin) DefaultConfig() map[string]string {
	return map[string]string{
		"plugin":      "rename",
		"currentName": "",
		"newName":     "",
	}
}

func (p *renamePlugin) Ingest(set *reading.Set) {
	from := p.config("currentName")
	to := p.config("newName")
	if from != "" && to != "" {
		for _, r := range set.Readings {
			for i := range r.Datapoints {
				if r.Datapoints[i].Name == from {
					r.Datapoints[i].Name = to
				}
			}
		}
	}
	p.forward(set)
}

// ── scale ───────────────────────────────────────────────────

// scalePlugin multiplies numeric datapoints by "factor" and adds "offset".
// A non-empty "match" item restricts scaling to datapoints of that name.
type scalePlugin struct{ base }

func newScalePlugin() Plugin {
	return &scalePlugin{base{name: "scale"}}
}

func (p *scalePlugin) DefaultConfig() map[string]string {
	return map[string]string{
		"plugin": "scale",
		"factor": "1.0",
		"offset": "0.0",
		"match":  "",
	}
}

func (p *scalePlugin) Ingest(set *reading.Set) {
	factor, err := strconv.ParseFloat(p.config("factor"), 64)
	if err != nil {
		factor = 1.0
	}
	offset, err := strconv.ParseFloat(p.config("offset"), 64)
	if err != nil {
		offset = 0.0
	}
	match := p.config("match")
	for _, r := range set.Readings {
		for i := range r.Datapoints {
			dp := &r.Datapoints[i]
			if match != "" && dp.Name != match {
				continue
			}
			switch dp.Type {
			case reading.TypeInteger:
				scaled := float64(dp.Integer)*factor + offset
				if scaled == float64(int64(scaled)) {
					dp.Integer = int64(scaled)
				} else {
					dp.Type = reading.TypeFloat
					dp.Float = scaled
				}
			case reading.TypeFloat:
				dp.Float = dp.Float*factor + offset
			}
		}
	}
	p.forward(set)
}

// ── delete ──────────────────────────────────────────────────

// deletePlugin removes datapoints named by the "match" item. A reading left
// without datapoints is dropped from the set, which suppresses the control
// request.
type deletePlugin struct{ base }

func newDeletePlugin() Plugin {
	return &deletePlugin{base{name: "delete"}}
}

func (p *deletePlugin) DefaultConfig() map[string]string {
	return map[string]string{
		"plugin": "delete",
		"match":  "",
	}
}

func (p *deletePlugin) Ingest(set *reading.Set) {
	match := p.config("match")
	if match == "" {
		p.forward(set)
		return
	}
	kept := set.Readings[:0]
	for _, r := range set.Readings {
		dps := r.Datapoints[:0]
		for _, dp := range r.Datapoints {
			if dp.Name != match {
				dps = append(dps, dp)
			}
		}
		r.Datapoints = dps
		if len(r.Datapoints) > 0 {
			kept = append(kept, r)
		} else {
			log.Debug().Str("asset", r.Asset).
				Msg("delete filter removed all datapoints, dropping reading")
		}
	}
	set.Readings = kept
	p.forward(set)
}

// ── metadata ────────────────────────────────────────────────

// metadataPlugin appends a constant datapoint ("name" = "value") to every
// reading.
type metadataPlugin struct{ base }

func newMetadataPlugin() Plugin {
	return &metadataPlugin{base{name: "metadata"}}
}

func (p *metadataPlugin) DefaultConfig() map[string]string {
	return map[string]string{
		"plugin": "metadata",
		"name":   "",
		"value":  "",
	}
}

func (p *metadataPlugin) Ingest(set *reading.Set) {
	name := p.config("name")
	value := p.config("value")
	if name != "" {
		for _, r := range set.Readings {
			r.Add(name, value)
		}
	}
	p.forward(set)
}
