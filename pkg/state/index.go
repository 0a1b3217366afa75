package state

import (
	"fmt"
	"strings"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/match"
)

// CategoryNPC is the index category fed by the roster rather than the
// state document.
const CategoryNPC = "npc"

// ProjectState projects the state document into index entries, grouped
// by category. Only collection fields project; scalars are cheap enough
// to keep in the prompt outright.
func ProjectState(branchID string, doc store.StateDoc, schema *Schema, now int64) map[string][]*store.IndexEntry {
	out := make(map[string][]*store.IndexEntry)

	for i := range schema.Lists {
		l := &schema.Lists[i]
		category := l.CategoryFor()

		switch v := doc[l.Key].(type) {
		case map[string]any:
			for k, mv := range v {
				out[category] = append(out[category], &store.IndexEntry{
					BranchID:  branchID,
					Category:  category,
					Key:       k,
					Content:   stringify(mv),
					Tags:      l.Key,
					UpdatedAt: now,
				})
			}
		default:
			for _, item := range listValue(doc, l.Key) {
				base, qualifier := match.ParseItem(item)
				if base == "" {
					base = item
				}
				out[category] = append(out[category], &store.IndexEntry{
					BranchID:  branchID,
					Category:  category,
					Key:       base,
					Content:   qualifier,
					Tags:      l.Key,
					UpdatedAt: now,
				})
			}
		}
	}

	return out
}

// ProjectRoster projects the roster into npc-category index entries.
func ProjectRoster(branchID string, roster store.Roster, now int64) []*store.IndexEntry {
	entries := make([]*store.IndexEntry, 0, len(roster))
	for i := range roster {
		npc := &roster[i]
		if npc.Name == "" {
			continue
		}

		var content []string
		for _, part := range []string{npc.Role, npc.Relationship, npc.Status, npc.Appearance, npc.Personality} {
			if part != "" {
				content = append(content, part)
			}
		}

		tags := make([]string, 0, len(npc.Traits)+2)
		if npc.Role != "" {
			tags = append(tags, npc.Role)
		}
		if npc.Tier != "" {
			tags = append(tags, npc.Tier)
		}
		tags = append(tags, npc.Traits...)

		entries = append(entries, &store.IndexEntry{
			BranchID:  branchID,
			Category:  CategoryNPC,
			Key:       npc.Name,
			Content:   strings.Join(content, "; "),
			Tags:      strings.Join(tags, ","),
			UpdatedAt: now,
		})
	}
	return entries
}

// TouchedCategories reports which index categories a set of applied ops
// invalidates.
func TouchedCategories(ops []Op, schema *Schema) []string {
	seen := make(map[string]bool)
	var cats []string
	for _, op := range ops {
		l := schema.ListByKey(op.Field)
		if l == nil {
			continue
		}
		c := l.CategoryFor()
		if !seen[c] {
			seen[c] = true
			cats = append(cats, c)
		}
	}
	return cats
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}
