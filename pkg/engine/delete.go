package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kittclouds/loom/internal/store"
)

// Delete removes a branch from the tree. Children reparent to the
// deleted branch's parent; a child forked at or past the deleted
// branch's own fork point additionally inherits the part of the deleted
// delta it was built on, so its timeline composes identically without
// the deleted branch in the chain. Soft delete flags the branch and
// keeps its data; hard delete removes every owned row.
func (e *Engine) Delete(ctx context.Context, branchID string, hard bool) error {
	e.structMu.Lock()
	defer e.structMu.Unlock()

	b, err := e.store.GetBranch(branchID)
	if err != nil {
		return err
	}
	if b.Root() {
		return fmt.Errorf("delete %s: %w", branchID, ErrRootImmutable)
	}

	if err := e.locks.acquire(ctx, branchID); err != nil {
		return err
	}
	defer e.locks.release(branchID)

	localDelta, err := e.store.MessagesFor(branchID)
	if err != nil {
		return err
	}

	branches, err := e.store.ListBranches()
	if err != nil {
		return err
	}
	for _, child := range branches {
		if child.ParentID != branchID {
			continue
		}
		if err := e.reparentOrphan(ctx, b, child, localDelta); err != nil {
			return err
		}
	}

	if hard {
		for _, rm := range []func(string) error{
			e.store.DeleteMessages,
			e.store.DeleteDocuments,
			e.store.DeleteEvents,
			e.store.DeleteLore,
			e.store.DeleteIndexEntries,
			e.store.RemoveBranch,
		} {
			if err := rm(branchID); err != nil {
				return fmt.Errorf("hard delete %s: %w", branchID, err)
			}
		}
	} else {
		b.Deleted = true
		b.DeletedAt = time.Now().UnixMilli()
		if err := e.store.UpdateBranch(b); err != nil {
			return err
		}
	}

	if active, aerr := e.ActiveBranch(); aerr == nil && active.ID == branchID {
		if err := e.setActiveBranch(b.ParentID); err != nil {
			return err
		}
	}

	slog.Info("branch deleted", "branch", branchID, "hard", hard)
	return nil
}

// reparentOrphan moves one child of a branch being deleted up to the
// grandparent. A child whose fork offset reaches into the deleted
// branch's own delta (offset >= the deleted branch's fork point, and
// not blank) inherits that delta through its fork offset and adopts
// the deleted branch's fork point; a child forked below it, or a blank
// child, keeps its metadata unchanged.
func (e *Engine) reparentOrphan(ctx context.Context, deleted, child *store.Branch, deletedDelta []*store.Message) error {
	if err := e.locks.acquire(ctx, child.ID); err != nil {
		return err
	}
	defer e.locks.release(child.ID)

	inherits := !child.Blank && child.ForkOffset >= deleted.ForkOffset

	if inherits {
		for _, m := range deletedDelta {
			if m.Index > child.ForkOffset {
				continue
			}
			adopted := *m
			adopted.ID = ""
			adopted.BranchID = child.ID
			if err := e.store.InsertMessage(&adopted); err != nil {
				return fmt.Errorf("reparent %s: inherit message %d: %w", child.ID, m.Index, err)
			}
		}
		child.ForkOffset = deleted.ForkOffset
	}

	child.ParentID = deleted.ParentID
	return e.store.UpdateBranch(child)
}
