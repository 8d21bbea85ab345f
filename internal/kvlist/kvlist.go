// Package kvlist implements the ordered key/value container carried by
// control requests. It supports JSON round-tripping, $variable$ substitution
// and conversion to and from the reading carrier used by filter pipelines.
package kvlist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/edgectl/dispatcher/internal/reading"
)

// placeholder keeps an empty list non-empty across a filter pipeline; it is
// stripped again on conversion back from a reading.
const placeholder = "__placeholder"

// Pair is a single key/value entry.
type Pair struct {
	Key   string
	Value string
}

// KVList is an ordered list of key/value pairs. Duplicate keys are allowed;
// Get returns the first match while serialisation emits every entry.
type KVList struct {
	pairs []Pair
}

// New creates an empty list.
func New() *KVList {
	return &KVList{}
}

// FromMap builds a list from a plain map. Iteration order of Go maps is
// random, so keys are emitted in sorted order to keep the result stable.
func FromMap(m map[string]string) *KVList {
	kv := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv.Add(k, m[k])
	}
	return kv
}

// Parse decodes a JSON object into a list, preserving the order the members
// appear in the document. Every member value must be a JSON string.
func Parse(data []byte) (*KVList, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse key/value list: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("key/value list must be a JSON object")
	}
	kv := New()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse key/value list: %w", err)
		}
		key := keyTok.(string)
		valTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse key/value list: %w", err)
		}
		val, ok := valTok.(string)
		if !ok {
			return nil, fmt.Errorf("value for key %q must be a string", key)
		}
		kv.Add(key, val)
	}
	return kv, nil
}

// Add appends a key/value pair.
func (kv *KVList) Add(key, value string) {
	kv.pairs = append(kv.pairs, Pair{Key: key, Value: value})
}

// Get returns the value for the first occurrence of key, or "" when the key
// is absent.
func (kv *KVList) Get(key string) string {
	for _, p := range kv.pairs {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Has reports whether the key occurs in the list.
func (kv *KVList) Has(key string) bool {
	for _, p := range kv.pairs {
		if p.Key == key {
			return true
		}
	}
	return false
}

// Size returns the number of pairs in the list.
func (kv *KVList) Size() int { return len(kv.pairs) }

// Pairs returns the entries in order. The returned slice must not be mutated.
func (kv *KVList) Pairs() []Pair { return kv.pairs }

// Copy returns an independent copy of the list.
func (kv *KVList) Copy() *KVList {
	dup := &KVList{pairs: make([]Pair, len(kv.pairs))}
	copy(dup.pairs, kv.pairs)
	return dup
}

// MarshalJSON renders the list as a JSON object, emitting entries in order.
func (kv *KVList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range kv.pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving member order.
func (kv *KVList) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	kv.pairs = parsed.pairs
	return nil
}

// Substitute replaces $name$ tokens in every value with the value of name
// from the supplied parameter list. An unterminated $ is logged as a warning
// and left literal.
func (kv *KVList) Substitute(params *KVList) {
	for i := range kv.pairs {
		kv.pairs[i].Value = substitute(kv.pairs[i].Value, params)
	}
}

func substitute(value string, params *KVList) string {
	var out strings.Builder
	rest := value
	for {
		start := strings.IndexByte(rest, '$')
		if start < 0 {
			out.WriteString(rest)
			return out.String()
		}
		end := strings.IndexByte(rest[start+1:], '$')
		if end < 0 {
			log.Warn().Str("value", value).
				Msg("Unterminated $ in value, no substitution made")
			out.WriteString(rest)
			return out.String()
		}
		name := rest[start+1 : start+1+end]
		out.WriteString(rest[:start])
		out.WriteString(params.Get(name))
		rest = rest[start+end+2:]
	}
}

// ToReading converts the list to a single reading with the given asset name.
// Each value becomes a datapoint with a deduced type. An empty list yields
// one placeholder datapoint so the pipeline always has data to operate on.
func (kv *KVList) ToReading(asset string) *reading.Reading {
	r := reading.New(asset)
	if len(kv.pairs) == 0 {
		r.Add(placeholder, "true")
		return r
	}
	for _, p := range kv.pairs {
		r.Add(p.Key, p.Value)
	}
	return r
}

// FromReading replaces the list contents with the datapoints of the reading,
// rendering values in canonical lexical form and stripping the placeholder
// inserted by ToReading.
func (kv *KVList) FromReading(r *reading.Reading) {
	kv.pairs = kv.pairs[:0]
	for _, dp := range r.Datapoints {
		if dp.Name == placeholder {
			continue
		}
		kv.Add(dp.Name, dp.Value())
	}
}
