package state

import (
	"context"
	"errors"
	"testing"

	"github.com/kittclouds/loom/internal/store"
)

func testSchema() *Schema {
	return &Schema{
		Fields: []Field{
			{Key: "hp", Type: TypeNumber},
			{Key: "location", Type: TypeText},
			{Key: "phase", Type: TypeText},
			{Key: "hidden", Type: TypeBool},
			{Key: "relationships", Type: TypeMap},
		},
		Lists: []List{
			{Key: "inventory", Category: "inventory"},
			{Key: "abilities", Type: TypeMap, Category: "ability"},
		},
		DirectOverwrite: []string{"location"},
		Enums:           map[string][]string{"phase": {"dawn", "dusk"}},
		Transient:       []string{"scene"},
	}
}

func TestSanitize(t *testing.T) {
	schema := testSchema()

	update := map[string]any{
		"hp":        "42",              // numeric string, coerced
		"mana":      10,                // unknown, dropped
		"scene":     "rainy alley",     // transient, silent
		"hidden":    1,                 // not a bool, dropped
		"phase":     "noon",            // outside enum, dropped
		"location":  "the undercroft",  // fine
		"inventory": []any{"rope", 42}, // non-string element dropped
		"relationships": map[string]any{
			"mira": "ally",
			"junk": map[string]any{"nested": true}, // compound entry dropped
		},
	}

	clean, violations := Sanitize(update, schema)

	if clean["hp"] != 42.0 {
		t.Errorf("hp = %v, want coerced 42", clean["hp"])
	}
	if _, ok := clean["mana"]; ok {
		t.Error("unknown key survived")
	}
	if _, ok := clean["hidden"]; ok {
		t.Error("non-bool survived into bool field")
	}
	if _, ok := clean["phase"]; ok {
		t.Error("out-of-enum value survived")
	}
	if clean["location"] != "the undercroft" {
		t.Errorf("location = %v", clean["location"])
	}
	if items, _ := clean["inventory"].([]string); len(items) != 1 || items[0] != "rope" {
		t.Errorf("inventory = %v, want [rope]", clean["inventory"])
	}
	rel, _ := clean["relationships"].(map[string]any)
	if rel["mira"] != "ally" {
		t.Errorf("relationships = %v", rel)
	}
	if _, ok := rel["junk"]; ok {
		t.Error("compound map entry survived")
	}

	rules := map[string]string{}
	for _, v := range violations {
		rules[v.Key] = v.Rule
	}
	for key, want := range map[string]string{
		"mana":               "unknown_key",
		"hidden":             "non_bool",
		"phase":              "bad_enum",
		"hp":                 "numeric_string",
		"relationships.junk": "compound_map_entry",
	} {
		if rules[key] != want {
			t.Errorf("violation for %s = %q, want %q", key, rules[key], want)
		}
	}
	if _, reported := rules["scene"]; reported {
		t.Error("transient key reported as violation")
	}
}

func TestApply_RemovalsBeforeAdditions(t *testing.T) {
	schema := testSchema()
	doc := store.StateDoc{"inventory": []any{"blade", "rope"}}

	// Payload order puts the add before the remove; the applier must
	// still net to the decorated form.
	update := map[string]any{
		"inventory_add":    "blade — reforged",
		"inventory_remove": "blade",
	}
	clean, _ := Sanitize(update, schema)
	out, rejected := Apply(doc, Lower(clean, schema), schema)

	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", rejected)
	}
	items := listValue(out, "inventory")
	want := map[string]bool{"rope": true, "blade — reforged": true}
	if len(items) != 2 {
		t.Fatalf("inventory = %v", items)
	}
	for _, i := range items {
		if !want[i] {
			t.Errorf("unexpected item %q", i)
		}
	}

	// Input untouched
	if got := listValue(doc, "inventory"); len(got) != 2 || got[0] != "blade" {
		t.Errorf("input document mutated: %v", got)
	}
}

func TestApply_BareListKeyAddsElements(t *testing.T) {
	schema := testSchema()
	doc := store.StateDoc{"inventory": []any{"charm"}}

	// Writing the list key itself never overwrites; the string elements
	// land as additions.
	clean, violations := Sanitize(map[string]any{"inventory": []any{"rope", 42}}, schema)
	if len(violations) != 1 || violations[0].Rule != "list_overwrite" || violations[0].Action != "coerced" {
		t.Errorf("violations = %+v", violations)
	}

	out, rejected := Apply(doc, Lower(clean, schema), schema)
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", rejected)
	}
	items := listValue(out, "inventory")
	want := map[string]bool{"charm": true, "rope": true}
	if len(items) != 2 {
		t.Fatalf("inventory = %v", items)
	}
	for _, i := range items {
		if !want[i] {
			t.Errorf("unexpected item %q", i)
		}
	}
}

func TestApply_ListAddDedupesBareName(t *testing.T) {
	schema := testSchema()
	doc := store.StateDoc{"inventory": []any{"charm"}}

	out, _ := Apply(doc, []Op{{Code: OpListAdd, Field: "inventory", Value: "charm x3"}}, schema)
	items := listValue(out, "inventory")
	if len(items) != 1 || items[0] != "charm x3" {
		t.Errorf("inventory = %v, want [charm x3]", items)
	}

	// Exact duplicate is a no-op
	out2, _ := Apply(out, []Op{{Code: OpListAdd, Field: "inventory", Value: "charm x3"}}, schema)
	if items := listValue(out2, "inventory"); len(items) != 1 {
		t.Errorf("duplicate add grew the list: %v", items)
	}
}

func TestApply_ListRemoveBaseNameFallback(t *testing.T) {
	schema := testSchema()
	doc := store.StateDoc{"inventory": []any{"blade — chipped", "rope"}}

	out, rejected := Apply(doc, []Op{{Code: OpListRemove, Field: "inventory", Value: "blade"}}, schema)
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", rejected)
	}
	if items := listValue(out, "inventory"); len(items) != 1 || items[0] != "rope" {
		t.Errorf("inventory = %v, want [rope]", items)
	}

	// A miss on both exact and base name is reported
	_, rejected = Apply(out, []Op{{Code: OpListRemove, Field: "inventory", Value: "lantern"}}, schema)
	if len(rejected) != 1 || rejected[0].Rule != "missing_target" {
		t.Errorf("rejections = %v, want one missing_target", rejected)
	}
}

func TestApply_MapNullRemovesAndKeysCanonicalize(t *testing.T) {
	schema := testSchema()
	doc := store.StateDoc{"relationships": map[string]any{
		"Ｍira":          "wary", // fullwidth M
		"old companion": "gone",
	}}

	ops := Lower(map[string]any{
		"relationships": map[string]any{
			"mira":          "ally", // must land on the existing fullwidth key
			"old companion": nil,    // removal
		},
	}, schema)
	out, rejected := Apply(doc, ops, schema)
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %v", rejected)
	}

	m, _ := out["relationships"].(map[string]any)
	if len(m) != 1 {
		t.Fatalf("relationships = %v", m)
	}
	if m["Ｍira"] != "ally" {
		t.Errorf("canonical key resolution failed: %v", m)
	}
}

func TestApply_MapListFeedParsesItems(t *testing.T) {
	schema := testSchema()
	doc := store.StateDoc{}

	clean, _ := Sanitize(map[string]any{
		"abilities_add": []any{"mirror — seals lesser spirits", "sprint"},
	}, schema)
	out, _ := Apply(doc, Lower(clean, schema), schema)

	m, _ := out["abilities"].(map[string]any)
	if m["mirror"] != "seals lesser spirits" {
		t.Errorf("abilities = %v", m)
	}
	if v, ok := m["sprint"]; !ok || v != "" {
		t.Errorf("bare ability stored as %v", m)
	}
}

func TestApply_DeltaAndTypeGuards(t *testing.T) {
	schema := testSchema()
	doc := store.StateDoc{"hp": 10.0}

	clean, _ := Sanitize(map[string]any{"hp_delta": -3}, schema)
	out, _ := Apply(doc, Lower(clean, schema), schema)
	if out["hp"] != 7.0 {
		t.Errorf("hp = %v, want 7", out["hp"])
	}

	// Booleans never reach a numeric field
	_, violations := Sanitize(map[string]any{"hp": true}, schema)
	if len(violations) != 1 || violations[0].Rule != "non_numeric" {
		t.Errorf("violations = %v", violations)
	}
}

type fakeReviewer struct {
	patch *ReviewPatch
	err   error
	seen  *ReviewRequest
}

func (f *fakeReviewer) Review(_ context.Context, req ReviewRequest) (*ReviewPatch, error) {
	f.seen = &req
	return f.patch, f.err
}

func TestGate_EnforceWithReviewer(t *testing.T) {
	schema := testSchema()
	update := map[string]any{"hp": "abc", "location": "crypt"}

	// Reviewer repairs the broken value and tries to smuggle in a key
	// the narrator never mentioned.
	rev := &fakeReviewer{patch: &ReviewPatch{
		Patch: map[string]any{"hp": 12.0, "mana": 99.0},
	}}
	g := NewGate(ModeEnforce, rev, 2)

	out, violations := g.Run(context.Background(), update, schema)
	if len(violations) == 0 {
		t.Fatal("expected violations")
	}
	if out["hp"] != 12.0 {
		t.Errorf("hp = %v, want reviewer repair 12", out["hp"])
	}
	if _, ok := out["mana"]; ok {
		t.Error("foreign reviewer key admitted")
	}
	if out["location"] != "crypt" {
		t.Errorf("clean key lost: %v", out)
	}
	if rev.seen == nil || len(rev.seen.Violations) == 0 {
		t.Error("reviewer not shown the violations")
	}
}

func TestGate_ReviewerFailureFallsBackToSanitized(t *testing.T) {
	schema := testSchema()
	update := map[string]any{"hp": "abc", "location": "crypt"}

	g := NewGate(ModeEnforce, &fakeReviewer{err: errors.New("model down")}, 2)
	out, _ := g.Run(context.Background(), update, schema)
	if _, ok := out["hp"]; ok {
		t.Error("broken value survived reviewer failure")
	}
	if out["location"] != "crypt" {
		t.Errorf("sanitized payload lost clean key: %v", out)
	}

	// A repair that still violates the schema is discarded too
	g = NewGate(ModeEnforce, &fakeReviewer{patch: &ReviewPatch{Patch: map[string]any{"hp": "still wrong"}}}, 2)
	out, _ = g.Run(context.Background(), update, schema)
	if v, ok := out["hp"]; ok && v == "still wrong" {
		t.Error("invalid reviewer repair admitted")
	}
}

func TestGate_WarnKeepsOriginal(t *testing.T) {
	schema := testSchema()
	update := map[string]any{"mana": 10}

	g := NewGate(ModeWarn, nil, 0)
	out, violations := g.Run(context.Background(), update, schema)
	if len(violations) != 1 {
		t.Fatalf("violations = %v", violations)
	}
	if out["mana"] != 10 {
		t.Error("warn mode must apply the original payload")
	}
}

func newEngineStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore()
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.CreateBranch(&store.Branch{ID: store.RootBranchID, Name: "main", ForkOffset: store.ForkOffsetNone}); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	return s
}

func TestEngine_ApplyUpdatePersistsAndIndexes(t *testing.T) {
	s := newEngineStore(t)

	var signaled []string
	eng := NewEngine(s, testSchema(), NewGate(ModeEnforce, nil, 0), func(_ string, cats []string) {
		signaled = append(signaled, cats...)
	})

	res, err := eng.ApplyUpdate(context.Background(), "main", map[string]any{
		"inventory_add": []any{"rope", "lantern — dim"},
		"hp":            20,
	})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if len(res.Categories) != 1 || res.Categories[0] != "inventory" {
		t.Errorf("categories = %v", res.Categories)
	}
	if len(signaled) != 1 || signaled[0] != "inventory" {
		t.Errorf("signal = %v", signaled)
	}

	doc, err := eng.State("main")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if doc["hp"] != 20.0 {
		t.Errorf("persisted hp = %v", doc["hp"])
	}

	entries, _ := s.ListIndexEntries("main")
	byKey := map[string]string{}
	for _, e := range entries {
		byKey[e.Key] = e.Content
	}
	if _, ok := byKey["rope"]; !ok {
		t.Errorf("index missing rope: %v", byKey)
	}
	if byKey["lantern"] != "dim" {
		t.Errorf("index lantern = %q, want qualifier", byKey["lantern"])
	}
}

func TestEngine_GrowthBudgetClamp(t *testing.T) {
	s := newEngineStore(t)
	eng := NewEngine(s, testSchema(), NewGate(ModeOff, nil, 0), nil)

	if err := eng.PutState("main", store.StateDoc{"hp": 10.0}); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	if err := eng.PutProgression("main", store.Progression{
		Current: &store.Arc{Name: "first arc", Budgets: map[string]*store.GrowthBudget{
			"hp": {Max: 5, Consumed: 2},
		}},
	}); err != nil {
		t.Fatalf("PutProgression: %v", err)
	}

	// Gain of 8 against 3 remaining: capped at 13, budget exhausted
	res, err := eng.ApplyUpdate(context.Background(), "main", map[string]any{"hp": 18})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if len(res.Clamped) != 1 || res.Clamped[0] != "hp" {
		t.Errorf("clamped = %v", res.Clamped)
	}
	if res.Doc["hp"] != 13.0 {
		t.Errorf("hp = %v, want 13", res.Doc["hp"])
	}

	prog, _ := eng.Progression("main")
	if b := prog.Current.Budgets["hp"]; b.Consumed != 5 {
		t.Errorf("consumed = %v, want 5", b.Consumed)
	}

	// Losses never consume budget
	res, err = eng.ApplyUpdate(context.Background(), "main", map[string]any{"hp": 4})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if res.Doc["hp"] != 4.0 || len(res.Clamped) != 0 {
		t.Errorf("loss mishandled: hp=%v clamped=%v", res.Doc["hp"], res.Clamped)
	}
}

func TestEngine_LockedBudgetRejectsGain(t *testing.T) {
	s := newEngineStore(t)
	eng := NewEngine(s, testSchema(), NewGate(ModeOff, nil, 0), nil)

	if err := eng.PutState("main", store.StateDoc{"hp": 10.0}); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	if err := eng.PutProgression("main", store.Progression{
		Current: &store.Arc{Name: "locked arc", Budgets: map[string]*store.GrowthBudget{
			"hp": {Max: 5, Locked: true},
		}},
	}); err != nil {
		t.Fatalf("PutProgression: %v", err)
	}

	res, err := eng.ApplyUpdate(context.Background(), "main", map[string]any{"hp": 12})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if res.Doc["hp"] != 10.0 {
		t.Errorf("hp = %v, locked budget must reject the gain", res.Doc["hp"])
	}
	if len(res.Clamped) != 1 || res.Clamped[0] != "hp" {
		t.Errorf("clamped = %v", res.Clamped)
	}

	// Losses still apply under a locked budget
	res, err = eng.ApplyUpdate(context.Background(), "main", map[string]any{"hp": 7})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if res.Doc["hp"] != 7.0 {
		t.Errorf("hp = %v, want 7", res.Doc["hp"])
	}
}

func TestEngine_UpsertNPCsMergesByName(t *testing.T) {
	s := newEngineStore(t)
	eng := NewEngine(s, testSchema(), nil, nil)

	if err := eng.UpsertNPCs("main", []store.NPC{
		{Name: "Mira", Role: "smuggler", Traits: []string{"wary"}},
	}); err != nil {
		t.Fatalf("UpsertNPCs: %v", err)
	}
	// Same character, different casing, partial detail
	if err := eng.UpsertNPCs("main", []store.NPC{
		{Name: "mira", Status: "wounded", Traits: []string{"wary", "loyal"}},
	}); err != nil {
		t.Fatalf("UpsertNPCs: %v", err)
	}

	roster, err := eng.Roster("main")
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if len(roster) != 1 {
		t.Fatalf("roster = %+v, want single merged entry", roster)
	}
	npc := roster[0]
	if npc.Role != "smuggler" || npc.Status != "wounded" {
		t.Errorf("merge lost detail: %+v", npc)
	}
	if len(npc.Traits) != 2 {
		t.Errorf("traits = %v", npc.Traits)
	}
	if npc.ID != "npc_mira" {
		t.Errorf("id = %q", npc.ID)
	}

	entries, _ := s.ListIndexEntries("main")
	if len(entries) != 1 || entries[0].Category != CategoryNPC {
		t.Errorf("npc index = %+v", entries)
	}
}

func TestEngine_EnsureFreshRebuilds(t *testing.T) {
	s := newEngineStore(t)
	eng := NewEngine(s, testSchema(), nil, nil)

	if err := eng.PutState("main", store.StateDoc{"inventory": []any{"rope"}}); err != nil {
		t.Fatalf("PutState: %v", err)
	}

	// No meta yet: must rebuild
	if err := eng.EnsureFresh("main", 100); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	entries, _ := s.ListIndexEntries("main")
	if len(entries) != 1 {
		t.Fatalf("index after rebuild = %+v", entries)
	}
	meta, _ := s.GetIndexMeta("main")
	if meta == nil || meta.Dirty {
		t.Fatalf("meta = %+v", meta)
	}

	// Fresh meta: no rebuild even when entries are wiped behind its back
	if err := s.DeleteIndexEntries("main"); err != nil {
		t.Fatalf("DeleteIndexEntries: %v", err)
	}
	if err := s.PutIndexMeta(meta); err != nil {
		t.Fatalf("PutIndexMeta: %v", err)
	}
	if err := eng.EnsureFresh("main", meta.RebuiltAt-1); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if entries, _ := s.ListIndexEntries("main"); len(entries) != 0 {
		t.Error("fresh index rebuilt unnecessarily")
	}
}
