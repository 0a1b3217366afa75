package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/kittclouds/loom/internal/store"
)

func narratorMsg(index int, docs *Documents) *store.Message {
	msg := &store.Message{BranchID: "b1", Index: index, Role: store.RoleNarrator, Content: "..."}
	if docs != nil {
		if err := Attach(msg, docs); err != nil {
			panic(err)
		}
	}
	return msg
}

func TestAttachThenReconstruct(t *testing.T) {
	docs := &Documents{
		State:  store.StateDoc{"location": "cave", "hp": float64(12)},
		Roster: store.Roster{{ID: "npc_mira", Name: "Mira", Status: "wary"}},
		Clock:  store.Clock{WorldDay: 3.5},
	}

	tl := []*store.Message{
		{Index: 0, Role: store.RolePlayer, Content: "go"},
		narratorMsg(1, docs),
		{Index: 2, Role: store.RolePlayer, Content: "again"},
	}

	got := Reconstruct(tl, 2, nil)
	if got.State["location"] != "cave" {
		t.Errorf("State = %v", got.State)
	}
	if len(got.Roster) != 1 || got.Roster[0].Name != "Mira" {
		t.Errorf("Roster = %v", got.Roster)
	}
	if got.Clock.WorldDay != 3.5 {
		t.Errorf("Clock = %v", got.Clock)
	}
}

func TestReconstruct_LatestAtOrBeforeWins(t *testing.T) {
	early := &Documents{State: store.StateDoc{"hp": float64(20)}}
	late := &Documents{State: store.StateDoc{"hp": float64(5)}}

	tl := []*store.Message{
		narratorMsg(1, early),
		narratorMsg(3, late),
		narratorMsg(5, &Documents{State: store.StateDoc{"hp": float64(1)}}),
	}

	if got := Reconstruct(tl, 4, nil); got.State["hp"] != float64(5) {
		t.Errorf("At 4: hp = %v, want 5", got.State["hp"])
	}
	if got := Reconstruct(tl, 2, nil); got.State["hp"] != float64(20) {
		t.Errorf("At 2: hp = %v, want 20", got.State["hp"])
	}
	// Snapshots past the target index never leak backward
	if got := Reconstruct(tl, 0, store.StateDoc{"hp": float64(99)}); got.State["hp"] != float64(99) {
		t.Errorf("At 0: hp = %v, want default 99", got.State["hp"])
	}
}

func TestReconstruct_PerDocumentIndependence(t *testing.T) {
	stateOnly := &store.Message{Index: 1, Role: store.RoleNarrator}
	stateOnly.StateSnapshot = json.RawMessage(`{"location":"inn"}`)

	clockOnly := &store.Message{Index: 3, Role: store.RoleNarrator}
	clockOnly.ClockSnapshot = json.RawMessage(`{"worldDay":7}`)

	got := Reconstruct([]*store.Message{stateOnly, clockOnly}, 4, nil)
	if got.State["location"] != "inn" {
		t.Errorf("State = %v", got.State)
	}
	if got.Clock.WorldDay != 7 {
		t.Errorf("Clock = %v", got.Clock)
	}
	if len(got.Roster) != 0 {
		t.Errorf("Roster should default empty, got %v", got.Roster)
	}
	if got.Progression.Current != nil || got.Progression.Completed != 0 {
		t.Errorf("Progression should default zeroed, got %+v", got.Progression)
	}
}

func TestReconstruct_DefaultStateIsCopied(t *testing.T) {
	def := store.StateDoc{"inventory": []any{"knife"}, "hp": float64(10)}

	got := Reconstruct(nil, 0, def)
	got.State["hp"] = float64(0)
	got.State["inventory"].([]any)[0] = "poisoned"

	if def["hp"] != float64(10) {
		t.Errorf("Default mutated: %v", def)
	}
	if def["inventory"].([]any)[0] != "knife" {
		t.Errorf("Default list mutated: %v", def["inventory"])
	}
}

func TestAttach_IsolatesFromLiveDocuments(t *testing.T) {
	docs := &Documents{State: store.StateDoc{"location": "bridge"}}
	msg := narratorMsg(0, docs)

	docs.State["location"] = "abyss"

	var snap store.StateDoc
	if err := json.Unmarshal(msg.StateSnapshot, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap["location"] != "bridge" {
		t.Errorf("Snapshot followed live mutation: %v", snap)
	}
}

func TestBackfill(t *testing.T) {
	doc := store.StateDoc{"hp": float64(10)}
	live := store.StateDoc{
		"hp":      float64(3),
		"stamina": float64(8),
		"titles":  []any{"Knight"},
		"offbook": "ignored",
	}

	Backfill(doc, live, []string{"hp", "stamina", "titles"})

	if doc["hp"] != float64(10) {
		t.Errorf("Existing field overwritten: %v", doc["hp"])
	}
	if doc["stamina"] != float64(8) {
		t.Errorf("Missing field not filled: %v", doc["stamina"])
	}
	if _, ok := doc["offbook"]; ok {
		t.Error("Unlisted field leaked in")
	}

	// Filled values are copies, not aliases
	doc["titles"].([]any)[0] = "Traitor"
	if live["titles"].([]any)[0] != "Knight" {
		t.Errorf("Backfill aliased the live document: %v", live["titles"])
	}
}

func TestDocumentsClone(t *testing.T) {
	docs := &Documents{
		State:  store.StateDoc{"hp": float64(10)},
		Roster: store.Roster{{ID: "npc_a", Name: "A", Traits: []string{"quiet"}}},
		Clock:  store.Clock{WorldDay: 2},
		Progression: store.Progression{
			Current: &store.Arc{Name: "Trial", Budgets: map[string]*store.GrowthBudget{"hp": {Max: 10}}},
		},
	}

	clone := docs.Clone()
	clone.State["hp"] = float64(0)
	clone.Roster[0].Name = "B"
	clone.Progression.Current.Budgets["hp"].Consumed = 5

	if docs.State["hp"] != float64(10) || docs.Roster[0].Name != "A" {
		t.Errorf("Clone aliased documents: %v %v", docs.State, docs.Roster)
	}
	if docs.Progression.Current.Budgets["hp"].Consumed != 0 {
		t.Errorf("Clone aliased progression: %+v", docs.Progression.Current.Budgets["hp"])
	}
}
