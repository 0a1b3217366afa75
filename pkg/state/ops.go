package state

import (
	"fmt"
	"sort"

	"github.com/kittclouds/loom/pkg/match"
)

// Op codes of the mutation language. Updates arriving as raw narrator
// payloads are lowered into ops before anything touches the document.
const (
	OpSet        = "set"
	OpDelta      = "delta"
	OpListAdd    = "list_add"
	OpListRemove = "list_remove"
	OpMapUpsert  = "map_upsert"
	OpMapRemove  = "map_remove"
)

// Op is one mutation instruction against the state document.
type Op struct {
	Code  string
	Field string // target field key
	Key   string // map entry key, for map ops
	Value any    // set / list_add / map_upsert payload; nil map_upsert removes
	Delta float64
}

func (o Op) String() string {
	switch o.Code {
	case OpDelta:
		return fmt.Sprintf("%s %s %+g", o.Code, o.Field, o.Delta)
	case OpMapUpsert, OpMapRemove:
		return fmt.Sprintf("%s %s[%s]", o.Code, o.Field, o.Key)
	default:
		return fmt.Sprintf("%s %s", o.Code, o.Field)
	}
}

// Removal reports whether the op takes something away. Removals run
// before additions so a paired remove+add of the same identity nets to
// the added form instead of losing it.
func (o Op) Removal() bool {
	switch o.Code {
	case OpListRemove, OpMapRemove:
		return true
	case OpMapUpsert:
		return o.Value == nil
	default:
		return false
	}
}

// Lower converts a sanitized update payload into ops. The payload must
// already have passed the gate: unknown keys and type mismatches here
// are programming errors and are skipped, not reported.
//
// Key iteration is sorted so lowering is deterministic.
func Lower(update map[string]any, schema *Schema) []Op {
	var ops []Op

	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := update[key]

		if l := findListByFeed(schema, key); l != nil {
			ops = append(ops, lowerListFeed(l, key, value)...)
			continue
		}

		// A sanitized bare list key carries additions.
		if l := schema.ListByKey(key); l != nil {
			ops = append(ops, lowerListFeed(l, l.AddKeyFor(), value)...)
			continue
		}

		if f := schema.FieldByKey(key); f != nil {
			switch f.Type {
			case TypeMap:
				m, ok := value.(map[string]any)
				if !ok {
					continue
				}
				mkeys := make([]string, 0, len(m))
				for mk := range m {
					mkeys = append(mkeys, mk)
				}
				sort.Strings(mkeys)
				for _, mk := range mkeys {
					ops = append(ops, Op{Code: OpMapUpsert, Field: key, Key: mk, Value: m[mk]})
				}
			case TypeNumber:
				if n, ok := toFloat(value); ok {
					ops = append(ops, Op{Code: OpSet, Field: key, Value: n})
				}
			default:
				ops = append(ops, Op{Code: OpSet, Field: key, Value: value})
			}
			continue
		}

		// "<field>_delta" adjusts a numeric field relatively.
		if base, ok := deltaTarget(key); ok {
			if f := schema.FieldByKey(base); f != nil && f.Type == TypeNumber {
				if n, ok := toFloat(value); ok {
					ops = append(ops, Op{Code: OpDelta, Field: base, Delta: n})
				}
			}
			continue
		}

		if schema.IsDirectOverwrite(key) {
			ops = append(ops, Op{Code: OpSet, Field: key, Value: value})
		}
	}

	return ops
}

// lowerListFeed lowers one "<list>_add" / "<list>_remove" payload entry.
// Scalar strings and string slices are both accepted; map-typed lists
// store parsed (base, qualifier) pairs instead of raw strings.
func lowerListFeed(l *List, feedKey string, value any) []Op {
	items := toStrings(value)
	if len(items) == 0 {
		return nil
	}

	adding := feedKey == l.AddKeyFor()
	var ops []Op
	for _, item := range items {
		switch {
		case l.Type == TypeMap && adding:
			base, qualifier := match.ParseItem(item)
			if base == "" {
				continue
			}
			ops = append(ops, Op{Code: OpMapUpsert, Field: l.Key, Key: base, Value: qualifier})
		case l.Type == TypeMap:
			ops = append(ops, Op{Code: OpMapRemove, Field: l.Key, Key: item})
		case adding:
			ops = append(ops, Op{Code: OpListAdd, Field: l.Key, Value: item})
		default:
			ops = append(ops, Op{Code: OpListRemove, Field: l.Key, Value: item})
		}
	}
	return ops
}

func findListByFeed(schema *Schema, key string) *List {
	for i := range schema.Lists {
		l := &schema.Lists[i]
		if key == l.AddKeyFor() || key == l.RemoveKeyFor() {
			return l
		}
	}
	return nil
}

func deltaTarget(key string) (string, bool) {
	const suffix = "_delta"
	if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
		return key[:len(key)-len(suffix)], true
	}
	return "", false
}

// toFloat accepts the numeric shapes JSON decoding produces. Booleans
// are not numbers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toStrings flattens a scalar-or-list payload value into strings,
// dropping non-string elements.
func toStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	default:
		return nil
	}
}
