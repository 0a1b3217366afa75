package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kittclouds/loom/internal/store"
)

// AutoPrune sweeps the active branch's lineage for stale siblings and
// soft-prunes them. A sibling prunes only when every condition holds:
// the active branch has advanced at least PruneAdvance messages past
// the sibling's fork point, the sibling's own delta is at most
// PruneMaxDelta messages, and it is not protected, not the root, not
// auto-created, not blank, not already inactive, and has no active
// children. Pruning is soft and recoverable.
func (e *Engine) AutoPrune(ctx context.Context, activeID string) ([]string, error) {
	e.structMu.Lock()
	defer e.structMu.Unlock()

	active, err := e.store.GetBranch(activeID)
	if err != nil {
		return nil, err
	}
	tip, err := e.store.LastIndex(activeID)
	if err != nil {
		return nil, err
	}
	if tip < 0 {
		tip = active.ForkOffset
	}

	branches, err := e.store.ListBranches()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Branch, len(branches))
	for _, b := range branches {
		byID[b.ID] = b
	}

	onPath := map[string]bool{}
	for id := activeID; id != "" && !onPath[id]; {
		onPath[id] = true
		b, ok := byID[id]
		if !ok {
			break
		}
		id = b.ParentID
	}

	hasActiveChild := func(id string) bool {
		for _, b := range branches {
			if b.ParentID == id && !b.Inactive() {
				return true
			}
		}
		return false
	}

	now := time.Now().UnixMilli()
	var pruned []string
	for _, b := range branches {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		if onPath[b.ID] || b.ParentID == "" || !onPath[b.ParentID] {
			continue
		}
		if b.Protected || b.Auto || b.Blank || b.Root() || b.Inactive() {
			continue
		}
		if tip-b.ForkOffset < e.opts.PruneAdvance {
			continue
		}
		n, err := e.store.CountMessages(b.ID)
		if err != nil {
			return pruned, err
		}
		if n > e.opts.PruneMaxDelta {
			continue
		}
		if hasActiveChild(b.ID) {
			continue
		}

		b.Pruned = true
		b.PrunedAt = now
		if err := e.store.UpdateBranch(b); err != nil {
			return pruned, err
		}
		pruned = append(pruned, b.ID)
		slog.Debug("sibling pruned", "branch", b.ID, "forkOffset", b.ForkOffset,
			"delta", n, "activeTip", tip)
	}

	return pruned, nil
}

// Protect toggles a branch's prune guard. Inactive branches cannot be
// protected; there is nothing left to guard.
func (e *Engine) Protect(branchID string, on bool) error {
	e.structMu.Lock()
	defer e.structMu.Unlock()

	b, err := e.store.GetBranch(branchID)
	if err != nil {
		return err
	}
	if err := guardActive(b); err != nil {
		return err
	}

	if b.Protected == on {
		return nil
	}
	b.Protected = on
	if err := e.store.UpdateBranch(b); err != nil {
		return err
	}
	slog.Info("branch protection changed", "branch", branchID, "protected", on)
	return nil
}

// Unprune recovers a soft-pruned branch.
func (e *Engine) Unprune(branchID string) error {
	e.structMu.Lock()
	defer e.structMu.Unlock()

	b, err := e.store.GetBranch(branchID)
	if err != nil {
		return err
	}
	if !b.Pruned {
		return nil
	}
	if b.Deleted {
		return fmt.Errorf("unprune %s: %w", branchID, ErrBranchDeleted)
	}
	b.Pruned = false
	b.PrunedAt = 0
	return e.store.UpdateBranch(b)
}
