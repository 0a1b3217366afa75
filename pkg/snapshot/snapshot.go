// Package snapshot captures the canonical documents onto narrator messages
// and reconstructs them at arbitrary timeline positions.
//
// Reconstruction is snapshot-over-replay: instead of re-running every
// mutation from the beginning, the latest snapshot at or before the target
// index wins, per document independently.
package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kittclouds/loom/internal/store"
)

// Documents bundles the four canonical documents of one branch.
type Documents struct {
	State       store.StateDoc
	Roster      store.Roster
	Clock       store.Clock
	Progression store.Progression
}

// Clone deep-copies the bundle. The copy shares nothing with the
// original.
func (d *Documents) Clone() *Documents {
	if d == nil {
		return nil
	}
	return &Documents{
		State:       d.State.Clone(),
		Roster:      d.Roster.Clone(),
		Clock:       d.Clock,
		Progression: d.Progression.Clone(),
	}
}

// Attach marshals deep copies of the documents onto a message's snapshot
// fields. Later mutation of the live documents cannot change what the
// message carries.
func Attach(msg *store.Message, docs *Documents) error {
	state := docs.State
	if state == nil {
		state = store.StateDoc{}
	}
	roster := docs.Roster
	if roster == nil {
		roster = store.Roster{}
	}

	stateRaw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}
	rosterRaw, err := json.Marshal(roster)
	if err != nil {
		return fmt.Errorf("marshal roster snapshot: %w", err)
	}
	clockRaw, err := json.Marshal(docs.Clock)
	if err != nil {
		return fmt.Errorf("marshal clock snapshot: %w", err)
	}
	progressionRaw, err := json.Marshal(docs.Progression)
	if err != nil {
		return fmt.Errorf("marshal progression snapshot: %w", err)
	}

	msg.StateSnapshot = stateRaw
	msg.RosterSnapshot = rosterRaw
	msg.ClockSnapshot = clockRaw
	msg.ProgressionSnapshot = progressionRaw
	return nil
}

// Reconstruct rebuilds the documents as they stood at atIndex on a
// composed timeline. Each document scans backward independently for the
// latest message at or before atIndex carrying its snapshot; a document
// with no snapshot anywhere falls back to its default: defaultState for
// state (deep-copied), empty roster, day-zero clock, zeroed progression.
func Reconstruct(tl []*store.Message, atIndex int, defaultState store.StateDoc) *Documents {
	docs := &Documents{
		State:  store.StateDoc{},
		Roster: store.Roster{},
	}
	if defaultState != nil {
		docs.State = defaultState.Clone()
	}

	stateDone, rosterDone, clockDone, progressionDone := false, false, false, false

	for i := len(tl) - 1; i >= 0; i-- {
		msg := tl[i]
		if msg.Index > atIndex {
			continue
		}
		if stateDone && rosterDone && clockDone && progressionDone {
			break
		}

		if !stateDone && len(msg.StateSnapshot) > 0 {
			var state store.StateDoc
			if err := json.Unmarshal(msg.StateSnapshot, &state); err != nil {
				slog.Warn("unreadable state snapshot", "branch", msg.BranchID, "index", msg.Index, "error", err)
			} else {
				docs.State = state
			}
			stateDone = true
		}
		if !rosterDone && len(msg.RosterSnapshot) > 0 {
			var roster store.Roster
			if err := json.Unmarshal(msg.RosterSnapshot, &roster); err != nil {
				slog.Warn("unreadable roster snapshot", "branch", msg.BranchID, "index", msg.Index, "error", err)
			} else {
				docs.Roster = roster
			}
			rosterDone = true
		}
		if !clockDone && len(msg.ClockSnapshot) > 0 {
			var clock store.Clock
			if err := json.Unmarshal(msg.ClockSnapshot, &clock); err != nil {
				slog.Warn("unreadable clock snapshot", "branch", msg.BranchID, "index", msg.Index, "error", err)
			} else {
				docs.Clock = clock
			}
			clockDone = true
		}
		if !progressionDone && len(msg.ProgressionSnapshot) > 0 {
			var progression store.Progression
			if err := json.Unmarshal(msg.ProgressionSnapshot, &progression); err != nil {
				slog.Warn("unreadable progression snapshot", "branch", msg.BranchID, "index", msg.Index, "error", err)
			} else {
				docs.Progression = progression
			}
			progressionDone = true
		}
	}

	return docs
}

// Backfill fills schema fields missing from a reconstructed state with
// the live values of the branch being forked from. Fields added to the
// schema after old snapshots were written would otherwise vanish on fork.
func Backfill(doc, live store.StateDoc, fields []string) {
	if doc == nil || live == nil {
		return
	}
	for _, f := range fields {
		if _, ok := doc[f]; ok {
			continue
		}
		v, ok := live[f]
		if !ok {
			continue
		}
		doc[f] = copyValue(v)
	}
}

// copyValue deep-copies one JSON-shaped value.
func copyValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
