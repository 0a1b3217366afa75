package state

import (
	"strings"
	"testing"

	"github.com/kittclouds/loom/internal/store"
)

func TestExtractKeywords(t *testing.T) {
	kws := ExtractKeywords("I draw the rusty blade and face 暗影守衛")
	set := map[string]bool{}
	for _, k := range kws {
		set[k] = true
	}

	for _, want := range []string{"rusty", "blade", "face", "暗影", "影守", "守衛", "暗影守", "影守衛"} {
		if !set[want] {
			t.Errorf("missing keyword %q in %v", want, kws)
		}
	}
	for _, stop := range []string{"i", "the", "and"} {
		if set[stop] {
			t.Errorf("stopword %q survived", stop)
		}
	}
}

func TestExtractKeywords_KeepsContentWords(t *testing.T) {
	// Words the exhaustive ISO stopword list would swallow
	kws := ExtractKeywords("she turns her back, face set, right hand open")
	set := map[string]bool{}
	for _, k := range kws {
		set[k] = true
	}
	for _, want := range []string{"back", "face", "right", "hand", "open"} {
		if !set[want] {
			t.Errorf("content word %q filtered out of %v", want, kws)
		}
	}
	for _, stop := range []string{"she", "her"} {
		if set[stop] {
			t.Errorf("function word %q survived", stop)
		}
	}
}

func TestSearch_ScoresAndGroups(t *testing.T) {
	entries := []*store.IndexEntry{
		{Category: "inventory", Key: "rusty blade", Content: "chipped at the hilt"},
		{Category: "inventory", Key: "rope", Content: "fifty feet"},
		{Category: "npc", Key: "Mira", Content: "smuggler; knows the blade's history", Tags: "smuggler"},
		{Category: "mission", Key: "find the forge", Content: "reforge the blade"},
	}

	results := Search(entries, "what do I know about the blade", SearchOptions{})
	if len(results) < 2 {
		t.Fatalf("results = %v", results)
	}

	// Key hits outrank content hits
	if results[0].Entry.Key != "rusty blade" {
		t.Errorf("top result = %q, want rusty blade", results[0].Entry.Key)
	}
	for _, r := range results {
		if r.Entry.Key == "rope" {
			t.Error("unrelated entry surfaced")
		}
	}

	// Grouping follows the fixed category order
	lastRank := -1
	rank := map[string]int{"inventory": 0, "ability": 1, "npc": 2, "relationship": 3, "mission": 4}
	for _, r := range results {
		cr := rank[r.Entry.Category]
		if cr < lastRank {
			t.Errorf("category order broken at %q", r.Entry.Key)
		}
		lastRank = cr
	}
}

func TestSearch_ExplicitMentionBeatsBudget(t *testing.T) {
	entries := []*store.IndexEntry{
		{Category: "inventory", Key: "sealed mirror", Content: strings.Repeat("long description ", 50)},
		{Category: "inventory", Key: "rope", Content: "fifty feet of hemp rope"},
	}

	results := Search(entries, "I hold up the sealed mirror", SearchOptions{Budget: 5})
	found := false
	for _, r := range results {
		if r.Entry.Key == "sealed mirror" {
			found = true
		}
	}
	if !found {
		t.Error("explicitly mentioned entry squeezed out by budget")
	}
}

func TestFormatResults(t *testing.T) {
	out := FormatResults([]SearchResult{
		{Entry: &store.IndexEntry{Category: "inventory", Key: "rope", Content: "fifty feet"}},
		{Entry: &store.IndexEntry{Category: "npc", Key: "Mira"}},
	})
	if !strings.Contains(out, "## inventory\n- rope: fifty feet\n") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "## npc\n- Mira\n") {
		t.Errorf("output = %q", out)
	}
}
