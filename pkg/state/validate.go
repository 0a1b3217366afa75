package state

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/semaphore"
)

// Gate modes.
const (
	ModeOff     = "off"     // updates pass through untouched
	ModeWarn    = "warn"    // violations logged, original applied
	ModeEnforce = "enforce" // sanitized (or reviewed) version applied
)

// Violation is one gate finding against an update payload.
type Violation struct {
	Key    string `json:"key"`
	Rule   string `json:"rule"`
	Value  any    `json:"value,omitempty"`
	Action string `json:"action"` // dropped | coerced
}

// ReviewRequest carries everything a reviewer needs to repair a payload
// that tripped the gate.
type ReviewRequest struct {
	Original   map[string]any `json:"original"`
	Sanitized  map[string]any `json:"sanitized"`
	Violations []Violation    `json:"violations"`
}

// ReviewPatch is a reviewer's proposed repair: replacement values plus
// keys to drop outright.
type ReviewPatch struct {
	Patch map[string]any `json:"patch,omitempty"`
	Drop  []string       `json:"drop,omitempty"`
}

// Reviewer repairs gated update payloads, typically via a secondary
// model call.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*ReviewPatch, error)
}

// Gate validates update payloads against the schema before they are
// lowered and applied. Reviewer calls are concurrency-limited; when the
// limit is saturated the sanitized payload is used without review.
type Gate struct {
	Mode     string
	Reviewer Reviewer
	sem      *semaphore.Weighted
}

// NewGate creates a gate. maxReviews bounds concurrent reviewer calls;
// values below one disable review even when a reviewer is set.
func NewGate(mode string, reviewer Reviewer, maxReviews int64) *Gate {
	g := &Gate{Mode: mode, Reviewer: reviewer}
	if maxReviews > 0 {
		g.sem = semaphore.NewWeighted(maxReviews)
	}
	return g
}

// Run gates one update payload. It returns the payload to apply plus
// the violations found, which callers surface for observability even in
// warn mode.
func (g *Gate) Run(ctx context.Context, update map[string]any, schema *Schema) (map[string]any, []Violation) {
	if g == nil || g.Mode == ModeOff {
		return update, nil
	}

	sanitized, violations := Sanitize(update, schema)
	if len(violations) == 0 {
		return sanitized, nil
	}

	if g.Mode == ModeWarn {
		for _, v := range violations {
			slog.Warn("state update violation", "key", v.Key, "rule", v.Rule, "action", v.Action)
		}
		return update, violations
	}

	// enforce
	if g.Reviewer != nil && g.sem != nil && g.sem.TryAcquire(1) {
		defer g.sem.Release(1)
		if repaired, ok := g.review(ctx, update, sanitized, violations, schema); ok {
			return repaired, violations
		}
	}
	return sanitized, violations
}

// review asks the reviewer for a repair and accepts it only when the
// patch stays inside the keys the narrator originally mentioned and the
// repaired payload passes the gate clean.
func (g *Gate) review(ctx context.Context, original, sanitized map[string]any, violations []Violation, schema *Schema) (map[string]any, bool) {
	patch, err := g.Reviewer.Review(ctx, ReviewRequest{
		Original:   original,
		Sanitized:  sanitized,
		Violations: violations,
	})
	if err != nil || patch == nil {
		if err != nil {
			slog.Warn("state reviewer failed, using sanitized payload", "error", err)
		}
		return nil, false
	}

	allowed := make(map[string]bool, len(original)+len(sanitized))
	for k := range original {
		allowed[k] = true
	}
	for k := range sanitized {
		allowed[k] = true
	}

	candidate := make(map[string]any, len(sanitized))
	for k, v := range sanitized {
		candidate[k] = v
	}
	for k, v := range patch.Patch {
		if !allowed[k] {
			slog.Warn("reviewer patch introduced foreign key, ignoring", "key", k)
			continue
		}
		candidate[k] = v
	}
	for _, k := range patch.Drop {
		delete(candidate, k)
	}

	repaired, remaining := Sanitize(candidate, schema)
	if len(remaining) > 0 {
		slog.Warn("reviewer repair still violates schema, using sanitized payload", "violations", len(remaining))
		return nil, false
	}
	return repaired, true
}

// Sanitize checks an update payload against the schema and returns a
// cleaned copy plus the violations found. The input is not modified.
func Sanitize(update map[string]any, schema *Schema) (map[string]any, []Violation) {
	clean := make(map[string]any, len(update))
	var violations []Violation
	drop := func(key, rule string, value any) {
		violations = append(violations, Violation{Key: key, Rule: rule, Value: value, Action: "dropped"})
	}
	coerced := func(key, rule string, value any) {
		violations = append(violations, Violation{Key: key, Rule: rule, Value: value, Action: "coerced"})
	}

	known := schema.KnownKeys()

	for key, value := range update {
		if schema.IsTransient(key) {
			continue
		}

		if base, ok := deltaTarget(key); ok && !known[key] {
			f := schema.FieldByKey(base)
			if f == nil || f.Type != TypeNumber {
				drop(key, "unknown_key", value)
				continue
			}
			n, ok, wasString := toFloatLenient(value)
			if !ok {
				drop(key, "non_numeric_delta", value)
				continue
			}
			if wasString {
				coerced(key, "numeric_string", value)
			}
			clean[key] = n
			continue
		}

		if !known[key] {
			drop(key, "unknown_key", value)
			continue
		}

		if l := findListByFeed(schema, key); l != nil {
			items, bad := sanitizeListFeed(value)
			if bad {
				drop(key, "bad_list_value", value)
				continue
			}
			if _, isList := value.([]any); !isList {
				if _, isStrings := value.([]string); !isStrings {
					coerced(key, "scalar_wrapped", value)
				}
			}
			if len(items) > 0 {
				clean[key] = items
			}
			continue
		}

		f := schema.FieldByKey(key)
		if f == nil {
			// A bare list key is treated as additions, never a wholesale
			// overwrite. Elements are sanitized like a feed payload.
			if schema.ListByKey(key) != nil {
				items, bad := sanitizeListFeed(value)
				if bad {
					drop(key, "bad_list_value", value)
					continue
				}
				coerced(key, "list_overwrite", value)
				if len(items) > 0 {
					clean[key] = items
				}
				continue
			}
			// direct-overwrite key with no field declaration
			s, ok := value.(string)
			if !ok {
				drop(key, "bad_overwrite", value)
				continue
			}
			clean[key] = s
			continue
		}

		switch f.Type {
		case TypeMap:
			m, ok := value.(map[string]any)
			if !ok {
				drop(key, "bad_map_value", value)
				continue
			}
			cm := make(map[string]any, len(m))
			for mk, mv := range m {
				if !scalarOrNil(mv) {
					drop(key+"."+mk, "compound_map_entry", mv)
					continue
				}
				cm[mk] = mv
			}
			if len(cm) > 0 {
				clean[key] = cm
			}
		case TypeNumber:
			n, ok, wasString := toFloatLenient(value)
			if !ok {
				drop(key, "non_numeric", value)
				continue
			}
			if wasString {
				coerced(key, "numeric_string", value)
			}
			clean[key] = n
		case TypeBool:
			b, ok := value.(bool)
			if !ok {
				drop(key, "non_bool", value)
				continue
			}
			clean[key] = b
		default:
			s, ok := value.(string)
			if !ok {
				drop(key, "non_string", value)
				continue
			}
			if vals, restricted := schema.Enums[key]; restricted && !contains(vals, s) {
				drop(key, "bad_enum", value)
				continue
			}
			clean[key] = s
		}
	}

	return clean, violations
}

// sanitizeListFeed normalizes a list-feed payload: a bare string is
// wrapped, a list keeps only its string elements, anything else is bad.
func sanitizeListFeed(value any) ([]string, bool) {
	switch t := value.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, false
		}
		return []string{s}, false
	case []any, []string:
		return toStrings(t), false
	default:
		return nil, true
	}
}

// toFloatLenient is toFloat plus numeric-string coercion. Booleans
// still never count as numbers.
func toFloatLenient(v any) (float64, bool, bool) {
	if n, ok := toFloat(v); ok {
		return n, true, false
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n, true, true
		}
	}
	return 0, false, false
}

func scalarOrNil(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int64:
		return true
	default:
		return false
	}
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
