// Package state applies schema-driven mutation operations to canonical
// per-branch documents and keeps the derived search index in step with
// them. Narrator and extractor payloads are untrusted: everything passes
// the validation gate before it touches canonical state.
package state

import (
	"encoding/json"
	"fmt"
)

// Field value types.
const (
	TypeText   = "text"
	TypeNumber = "number"
	TypeBool   = "bool"
	TypeMap    = "map"
)

// Field declares one scalar or map field of the state document.
type Field struct {
	Key  string `json:"key"`
	Type string `json:"type"` // text | number | bool | map
}

// List declares one list- or map-shaped collection field. AddKey and
// RemoveKey name the update-payload keys that feed it; when empty they
// default to "<key>_add" / "<key>_remove". Category names the derived
// index category the field projects into.
type List struct {
	Key       string `json:"key"`
	Type      string `json:"type,omitempty"` // "list" (default) | "map"
	AddKey    string `json:"addKey,omitempty"`
	RemoveKey string `json:"removeKey,omitempty"`
	Category  string `json:"category,omitempty"`
}

// Schema is the declared shape of a story's state document. Keys outside
// the schema are rejected by the gate unless listed as transient.
type Schema struct {
	Fields []Field `json:"fields"`
	Lists  []List  `json:"lists"`

	// DirectOverwrite names text fields the narrator may set outright.
	DirectOverwrite []string `json:"directOverwrite,omitempty"`

	// Enums restricts the admissible values of a field, keyed by field.
	Enums map[string][]string `json:"enums,omitempty"`

	// Transient keys are dropped silently instead of being reported as
	// violations (scene scaffolding the narrator tends to echo).
	Transient []string `json:"transient,omitempty"`
}

// ParseSchema decodes a schema from its stored JSON. Empty input yields
// an empty schema (everything rejected except transients).
func ParseSchema(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return &Schema{}, nil
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse state schema: %w", err)
	}
	return &s, nil
}

// AddKeyFor returns the update-payload key that feeds a list's additions.
func (l *List) AddKeyFor() string {
	if l.AddKey != "" {
		return l.AddKey
	}
	return l.Key + "_add"
}

// RemoveKeyFor returns the update-payload key that feeds a list's removals.
func (l *List) RemoveKeyFor() string {
	if l.RemoveKey != "" {
		return l.RemoveKey
	}
	return l.Key + "_remove"
}

// CategoryFor returns the derived index category a list projects into.
func (l *List) CategoryFor() string {
	if l.Category != "" {
		return l.Category
	}
	return l.Key
}

// FieldByKey returns the declared field with the given key, or nil.
func (s *Schema) FieldByKey(key string) *Field {
	for i := range s.Fields {
		if s.Fields[i].Key == key {
			return &s.Fields[i]
		}
	}
	return nil
}

// ListByKey returns the declared list with the given key, or nil.
func (s *Schema) ListByKey(key string) *List {
	for i := range s.Lists {
		if s.Lists[i].Key == key {
			return &s.Lists[i]
		}
	}
	return nil
}

// IsDirectOverwrite reports whether a key may be overwritten outright.
func (s *Schema) IsDirectOverwrite(key string) bool {
	for _, k := range s.DirectOverwrite {
		if k == key {
			return true
		}
	}
	return false
}

// IsTransient reports whether a key is whitelisted for silent dropping.
func (s *Schema) IsTransient(key string) bool {
	for _, k := range s.Transient {
		if k == key {
			return true
		}
	}
	return false
}

// KnownKeys returns every key the schema admits in an update payload:
// fields, lists, their add/remove feeds, and direct-overwrite keys.
func (s *Schema) KnownKeys() map[string]bool {
	known := make(map[string]bool)
	for _, f := range s.Fields {
		known[f.Key] = true
	}
	for i := range s.Lists {
		l := &s.Lists[i]
		known[l.Key] = true
		known[l.AddKeyFor()] = true
		known[l.RemoveKeyFor()] = true
	}
	for _, k := range s.DirectOverwrite {
		known[k] = true
	}
	return known
}

// NumericFields returns the keys of all number-typed fields.
func (s *Schema) NumericFields() []string {
	var keys []string
	for _, f := range s.Fields {
		if f.Type == TypeNumber {
			keys = append(keys, f.Key)
		}
	}
	return keys
}
