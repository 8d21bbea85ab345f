package filter

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/reading"
)

// expressionPlugin evaluates an expression over the datapoint values of each
// reading. Two modes are supported:
//
//   - compute (default): the result is stored as a new datapoint named by
//     the "name" config item.
//   - filter: the expression is treated as a predicate; readings for which
//     it evaluates to false are dropped, suppressing the control request.
//
// Datapoint values are exposed to the expression by name; integers and
// floats keep their numeric type, everything else is a string.
type expressionPlugin struct {
	base
	program *vm.Program
	source  string
}

func newExpressionPlugin() Plugin {
	return &expressionPlugin{base: base{name: "expression"}}
}

func (p *expressionPlugin) DefaultConfig() map[string]string {
	return map[string]string{
		"plugin":     "expression",
		"expression": "",
		"name":       "result",
		"mode":       "compute",
	}
}

func (p *expressionPlugin) Init(config map[string]string, next Ingestor) error {
	if err := p.base.Init(config, next); err != nil {
		return err
	}
	return p.compile(config["expression"])
}

func (p *expressionPlugin) Reconfigure(config map[string]string) {
	p.base.Reconfigure(config)
	if err := p.compile(config["expression"]); err != nil {
		log.Error().Err(err).Str("expression", config["expression"]).
			Msg("Failed to compile filter expression")
	}
}

func (p *expressionPlugin) compile(source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if source == "" {
		p.program = nil
		p.source = ""
		return nil
	}
	prog, err := expr.Compile(source)
	if err != nil {
		return err
	}
	p.program = prog
	p.source = source
	return nil
}

func (p *expressionPlugin) Ingest(set *reading.Set) {
	p.mu.Lock()
	prog := p.program
	mode := p.cfg["mode"]
	name := p.cfg["name"]
	p.mu.Unlock()

	if prog == nil {
		p.forward(set)
		return
	}

	kept := set.Readings[:0]
	for _, r := range set.Readings {
		env := environment(r)
		out, err := expr.Run(prog, env)
		if err != nil {
			log.Error().Err(err).Str("asset", r.Asset).
				Msg("Filter expression evaluation failed")
			kept = append(kept, r)
			continue
		}
		if mode == "filter" {
			pass, ok := out.(bool)
			if !ok || pass {
				kept = append(kept, r)
			}
			continue
		}
		switch v := out.(type) {
		case bool:
			if v {
				r.Add(name, "true")
			} else {
				r.Add(name, "false")
			}
		case int:
			r.Datapoints = append(r.Datapoints, reading.Datapoint{
				Name: name, Type: reading.TypeInteger, Integer: int64(v)})
		case int64:
			r.Datapoints = append(r.Datapoints, reading.Datapoint{
				Name: name, Type: reading.TypeInteger, Integer: v})
		case float64:
			r.Datapoints = append(r.Datapoints, reading.Datapoint{
				Name: name, Type: reading.TypeFloat, Float: v})
		case string:
			r.Add(name, v)
		default:
			log.Warn().Str("asset", r.Asset).
				Msg("Filter expression produced an unsupported type")
		}
		kept = append(kept, r)
	}
	set.Readings = kept
	p.forward(set)
}

// environment exposes the reading's datapoints to the expression by name.
func environment(r *reading.Reading) map[string]interface{} {
	env := make(map[string]interface{}, len(r.Datapoints))
	for _, dp := range r.Datapoints {
		switch dp.Type {
		case reading.TypeInteger:
			env[dp.Name] = dp.Integer
		case reading.TypeFloat:
			env[dp.Name] = dp.Float
		default:
			env[dp.Name] = dp.String_
		}
	}
	return env
}
