// Package reading provides the carrier used inside a control filter
// pipeline. A control request's key/value list is converted to a single
// reading before filtering and converted back afterwards, so that control
// data flows through the same filter plugins used for telemetry data.
package reading

import "strconv"

// DataType is the deduced type of a datapoint value.
type DataType int

const (
	TypeString DataType = iota
	TypeInteger
	TypeFloat
)

// Datapoint is a single named, typed value within a reading.
type Datapoint struct {
	Name    string
	Type    DataType
	String_ string
	Integer int64
	Float   float64
}

// NewDatapoint deduces the type of value from its lexical shape and builds
// the corresponding datapoint. Integers and floats are recognised; anything
// else stays a string.
func NewDatapoint(name, value string) Datapoint {
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return Datapoint{Name: name, Type: TypeInteger, Integer: i}
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return Datapoint{Name: name, Type: TypeFloat, Float: f}
	}
	return Datapoint{Name: name, Type: TypeString, String_: value}
}

// Value renders the datapoint value in its canonical lexical form.
func (d Datapoint) Value() string {
	switch d.Type {
	case TypeInteger:
		return strconv.FormatInt(d.Integer, 10)
	case TypeFloat:
		return strconv.FormatFloat(d.Float, 'g', -1, 64)
	default:
		return d.String_
	}
}

// Reading is a named asset with an ordered list of datapoints.
type Reading struct {
	Asset      string
	Datapoints []Datapoint
}

// New creates a reading for the given asset name.
func New(asset string) *Reading {
	return &Reading{Asset: asset}
}

// Add appends a datapoint with a deduced type.
func (r *Reading) Add(name, value string) {
	r.Datapoints = append(r.Datapoints, NewDatapoint(name, value))
}

// Set is an ordered collection of readings passed between filter plugins.
type Set struct {
	Readings []*Reading
}

// NewSet builds a set holding the given readings.
func NewSet(readings ...*Reading) *Set {
	return &Set{Readings: readings}
}

// Append adds readings to the set.
func (s *Set) Append(readings ...*Reading) {
	s.Readings = append(s.Readings, readings...)
}

// Count returns the number of readings in the set.
func (s *Set) Count() int {
	if s == nil {
		return 0
	}
	return len(s.Readings)
}
