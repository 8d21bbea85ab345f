// Package endpoint defines the typed source/destination tags used to match
// control requests against control pipelines.
package endpoint

// Kind identifies the type of a pipeline endpoint.
type Kind int

const (
	Undefined Kind = iota
	Any
	Service
	API
	Notification
	Schedule
	Script
	Broadcast
	Asset
)

var kindNames = map[Kind]string{
	Undefined:    "Undefined",
	Any:          "Any",
	Service:      "Service",
	API:          "API",
	Notification: "Notification",
	Schedule:     "Schedule",
	Script:       "Script",
	Broadcast:    "Broadcast",
	Asset:        "Asset",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Undefined"
}

// KindFromName maps an endpoint type name from the control_source /
// control_destination tables to a Kind. Unknown names map to Undefined.
func KindFromName(name string) Kind {
	for k, s := range kindNames {
		if s == name {
			return k
		}
	}
	return Undefined
}

// Endpoint is an immutable (kind, name) value. The name is only meaningful
// for the Service, Script, Asset and Schedule kinds.
type Endpoint struct {
	kind Kind
	name string
}

// Make creates an endpoint with a name.
func Make(kind Kind, name string) Endpoint {
	return Endpoint{kind: kind, name: name}
}

// MakeAny returns the wildcard endpoint that matches anything.
func MakeAny() Endpoint {
	return Endpoint{kind: Any}
}

func (e Endpoint) Kind() Kind   { return e.kind }
func (e Endpoint) Name() string { return e.name }

// Match reports whether the candidate endpoint c is matched by the
// pattern endpoint e. An Any pattern matches every candidate; otherwise
// the kinds must agree and, if the pattern carries a name, the names
// must agree too.
func (e Endpoint) Match(c Endpoint) bool {
	if e.kind == Any {
		return true
	}
	if e.kind != c.kind {
		return false
	}
	return e.name == "" || e.name == c.name
}

func (e Endpoint) String() string {
	if e.name == "" {
		return e.kind.String()
	}
	return e.kind.String() + "(" + e.name + ")"
}
