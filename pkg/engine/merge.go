package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kittclouds/loom/internal/store"
)

// Merge folds a child branch back into its parent: the parent keeps its
// delta through the child's fork offset, the child's delta is appended
// as the parent's own, the four documents copy child to parent, events
// and lore upsert by identity (child wins per field), and the child's
// children reparent to the parent. The child ends merged.
func (e *Engine) Merge(ctx context.Context, childID string) error {
	e.structMu.Lock()
	defer e.structMu.Unlock()

	child, err := e.store.GetBranch(childID)
	if err != nil {
		return err
	}
	if child.Root() {
		return fmt.Errorf("merge %s: %w", childID, ErrRootImmutable)
	}
	if err := guardActive(child); err != nil {
		return err
	}

	parentID := child.ParentID
	if _, err := e.store.GetBranch(parentID); err != nil {
		return fmt.Errorf("merge %s: parent: %w", childID, err)
	}

	// Lock parent then child, always in that order
	if err := e.locks.acquire(ctx, parentID); err != nil {
		return err
	}
	defer e.locks.release(parentID)
	if err := e.locks.acquire(ctx, childID); err != nil {
		return err
	}
	defer e.locks.release(childID)

	// The parent's continuation past the fork point is the abandoned
	// alternative; the child's delta replaces it
	if err := e.store.TruncateMessages(parentID, child.ForkOffset); err != nil {
		return err
	}
	childMsgs, err := e.store.MessagesFor(childID)
	if err != nil {
		return err
	}
	for _, m := range childMsgs {
		adopted := *m
		adopted.ID = "" // fresh identity under the new owner
		adopted.BranchID = parentID
		if err := e.store.InsertMessage(&adopted); err != nil {
			return fmt.Errorf("merge %s: adopt message %d: %w", childID, m.Index, err)
		}
	}

	// Clock direction is conditional: an untimed child leaves the
	// parent's clock alone
	parentClock, err := e.clock.Get(parentID)
	if err != nil {
		return err
	}
	childClock, err := e.clock.Get(childID)
	if err != nil {
		return err
	}
	if err := e.store.CopyDocuments(childID, parentID); err != nil {
		return err
	}
	if childClock.WorldDay <= 0 && parentClock.WorldDay > 0 {
		if err := e.clock.Set(parentID, parentClock.WorldDay); err != nil {
			return err
		}
	}

	if err := e.store.CopyEvents(childID, parentID); err != nil {
		return err
	}
	if err := e.store.CopyLore(childID, parentID); err != nil {
		return err
	}

	// Grandchildren follow the content they forked from
	branches, err := e.store.ListBranches()
	if err != nil {
		return err
	}
	for _, b := range branches {
		if b.ParentID != childID {
			continue
		}
		b.ParentID = parentID
		if err := e.store.UpdateBranch(b); err != nil {
			return err
		}
	}

	child.Merged = true
	child.MergedAt = time.Now().UnixMilli()
	if err := e.store.UpdateBranch(child); err != nil {
		return err
	}

	if active, err := e.ActiveBranch(); err == nil && active.ID == childID {
		if err := e.setActiveBranch(parentID); err != nil {
			return err
		}
	}

	if err := e.state.RebuildIndex(parentID); err != nil {
		slog.Warn("index rebuild after merge failed", "branch", parentID, "error", err)
	}

	slog.Info("branch merged", "child", childID, "parent", parentID,
		"messages", len(childMsgs))
	return nil
}

// ActiveForeshadowing returns a branch's planted-but-unresolved events,
// the narrator's open threads.
func (e *Engine) ActiveForeshadowing(branchID string, limit int) ([]*store.Event, error) {
	events, err := e.store.ListEvents(branchID, 0)
	if err != nil {
		return nil, err
	}
	var open []*store.Event
	for _, ev := range events {
		if ev.Status == store.EventPlanted {
			open = append(open, ev)
			if limit > 0 && len(open) >= limit {
				break
			}
		}
	}
	return open, nil
}
