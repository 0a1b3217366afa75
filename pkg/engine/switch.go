package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kittclouds/loom/internal/store"
)

// Switch makes a branch the active one. Deleted, merged, and pruned
// targets are rejected. When the target sits on the promoted mainline
// chain, the switch descends through single active children within the
// chain to the deepest leaf, so selecting any mainline node lands on
// the mainline tip.
func (e *Engine) Switch(branchID string) (*store.Branch, error) {
	e.structMu.Lock()
	defer e.structMu.Unlock()

	b, err := e.store.GetBranch(branchID)
	if err != nil {
		return nil, err
	}
	if err := guardActive(b); err != nil {
		return nil, err
	}
	if b.Incomplete {
		return nil, fmt.Errorf("switch %s: %w", branchID, ErrIncomplete)
	}

	target := b
	if chain := e.promotedChain(); chain[branchID] {
		target = e.descendMainline(b, chain)
	}

	if err := e.setActiveBranch(target.ID); err != nil {
		return nil, err
	}
	target.LastActiveAt = time.Now().UnixMilli()
	if err := e.store.UpdateBranch(target); err != nil {
		return nil, err
	}

	if target.ID != branchID {
		slog.Info("switch descended promoted mainline", "requested", branchID, "active", target.ID)
	}
	return target, nil
}

// promotedChain returns the set of branch ids on the path from the
// promoted mainline leaf to the root, or an empty set when nothing is
// promoted.
func (e *Engine) promotedChain() map[string]bool {
	chain := map[string]bool{}
	story, err := e.store.GetStory()
	if err != nil || story == nil || story.PromotedLeafID == "" {
		return chain
	}

	id := story.PromotedLeafID
	for id != "" && !chain[id] {
		b, err := e.store.GetBranch(id)
		if err != nil {
			break
		}
		chain[id] = true
		id = b.ParentID
	}
	return chain
}

// descendMainline follows single active children within the promoted
// chain down to the deepest one.
func (e *Engine) descendMainline(from *store.Branch, chain map[string]bool) *store.Branch {
	branches, err := e.store.ListBranches()
	if err != nil {
		return from
	}

	cur := from
	for {
		var next *store.Branch
		count := 0
		for _, b := range branches {
			if b.ParentID != cur.ID || b.Inactive() || b.Incomplete {
				continue
			}
			count++
			if chain[b.ID] {
				next = b
			}
		}
		if count != 1 || next == nil {
			break
		}
		cur = next
	}
	return cur
}
