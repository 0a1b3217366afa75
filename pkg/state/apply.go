package state

import (
	"log/slog"
	"strings"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/match"
)

// Rejection records one op Apply refused, with the rule it tripped.
type Rejection struct {
	Op   Op
	Rule string // type_mismatch | missing_target | unknown_field
}

// Apply runs lowered ops against a state document and returns the new
// document plus any rejected ops. The input document is never mutated.
//
// Removals run before additions regardless of payload order, so a turn
// that consumes "blade" and grants "blade — reforged" nets to the new
// form instead of deleting it.
func Apply(doc store.StateDoc, ops []Op, schema *Schema) (store.StateDoc, []Rejection) {
	out := doc.Clone()
	if out == nil {
		out = store.StateDoc{}
	}

	var rejected []Rejection
	reject := func(op Op, rule string) {
		rejected = append(rejected, Rejection{Op: op, Rule: rule})
		slog.Debug("state op rejected", "op", op.String(), "rule", rule)
	}

	for _, pass := range []bool{true, false} {
		for _, op := range ops {
			if op.Removal() != pass {
				continue
			}
			switch op.Code {
			case OpSet:
				applySet(out, op, schema, reject)
			case OpDelta:
				applyDelta(out, op, schema, reject)
			case OpListAdd:
				applyListAdd(out, op, reject)
			case OpListRemove:
				applyListRemove(out, op, reject)
			case OpMapUpsert, OpMapRemove:
				applyMapOp(out, op, reject)
			}
		}
	}

	return out, rejected
}

func applySet(doc store.StateDoc, op Op, schema *Schema, reject func(Op, string)) {
	f := schema.FieldByKey(op.Field)
	switch {
	case f == nil && schema.IsDirectOverwrite(op.Field):
		s, ok := op.Value.(string)
		if !ok {
			reject(op, "type_mismatch")
			return
		}
		doc[op.Field] = s
	case f == nil:
		reject(op, "unknown_field")
	case f.Type == TypeNumber:
		n, ok := toFloat(op.Value)
		if !ok {
			reject(op, "type_mismatch")
			return
		}
		doc[op.Field] = n
	case f.Type == TypeBool:
		b, ok := op.Value.(bool)
		if !ok {
			reject(op, "type_mismatch")
			return
		}
		doc[op.Field] = b
	case f.Type == TypeText:
		s, ok := op.Value.(string)
		if !ok {
			reject(op, "type_mismatch")
			return
		}
		doc[op.Field] = s
	default:
		reject(op, "type_mismatch")
	}
}

func applyDelta(doc store.StateDoc, op Op, schema *Schema, reject func(Op, string)) {
	f := schema.FieldByKey(op.Field)
	if f == nil || f.Type != TypeNumber {
		reject(op, "unknown_field")
		return
	}
	current, _ := toFloat(doc[op.Field])
	doc[op.Field] = current + op.Delta
}

func applyListAdd(doc store.StateDoc, op Op, reject func(Op, string)) {
	item, ok := op.Value.(string)
	if !ok || item == "" {
		reject(op, "type_mismatch")
		return
	}
	list := listValue(doc, op.Field)

	for _, e := range list {
		if e == item {
			return // already present
		}
	}

	// A decorated form supersedes its bare-name precursor: adding
	// "charm x3" drops an existing plain "charm".
	base := match.BaseName(item)
	if base != "" && base != item {
		kept := list[:0]
		for _, e := range list {
			if strings.TrimSpace(e) != base {
				kept = append(kept, e)
			}
		}
		list = kept
	}

	doc[op.Field] = toAnyList(append(list, item))
}

func applyListRemove(doc store.StateDoc, op Op, reject func(Op, string)) {
	target, ok := op.Value.(string)
	if !ok || target == "" {
		reject(op, "type_mismatch")
		return
	}
	list := listValue(doc, op.Field)

	kept := make([]string, 0, len(list))
	removed := false
	for _, e := range list {
		if e == target {
			removed = true
			continue
		}
		kept = append(kept, e)
	}

	// Exact miss falls back to base-name identity, so removing "blade"
	// also clears "blade — chipped".
	if !removed {
		base := match.BaseName(target)
		kept = kept[:0]
		for _, e := range list {
			if base != "" && match.BaseName(e) == base {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
	}

	if !removed {
		reject(op, "missing_target")
		return
	}
	doc[op.Field] = toAnyList(kept)
}

func applyMapOp(doc store.StateDoc, op Op, reject func(Op, string)) {
	m, ok := doc[op.Field].(map[string]any)
	if !ok {
		if doc[op.Field] != nil {
			reject(op, "type_mismatch")
			return
		}
		m = map[string]any{}
		doc[op.Field] = m
	}

	removing := op.Code == OpMapRemove || op.Value == nil

	key := resolveMapKey(m, op.Key)
	if removing {
		if key == "" {
			reject(op, "missing_target")
			return
		}
		delete(m, key)
		return
	}

	if key == "" {
		key = op.Key
	}
	m[key] = op.Value
}

// resolveMapKey finds the existing map key the incoming key refers to:
// first by canonical-form equality, then by unique base-name match.
// Returns "" when nothing matches.
func resolveMapKey(m map[string]any, key string) string {
	norm := strings.ToLower(match.NormalizeKey(key))
	for k := range m {
		if strings.ToLower(match.NormalizeKey(k)) == norm {
			return k
		}
	}

	base := match.BaseName(key)
	if base == "" {
		return ""
	}
	found := ""
	for k := range m {
		if match.BaseName(k) == base {
			if found != "" {
				return "" // ambiguous, refuse to guess
			}
			found = k
		}
	}
	return found
}

// listValue reads a list field as strings, tolerating both []any (from
// JSON) and []string (from fresh writes).
func listValue(doc store.StateDoc, field string) []string {
	switch v := doc[field].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toAnyList(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
