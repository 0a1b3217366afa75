package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/snapshot"
	"github.com/kittclouds/loom/pkg/timeline"
)

// Fork modes.
const (
	// ForkContent deep-copies the parent's reconstruction at the fork
	// offset as the child's initial documents.
	ForkContent = "content"
	// ForkBlank starts the child from declared defaults, inheriting no
	// timeline (fork offset -1).
	ForkBlank = "blank"
)

// Fork creates a child branch of parent at offset. The child's
// documents are fully written before the branch becomes discoverable:
// the row is created with the incomplete flag set and the flag is
// cleared last.
func (e *Engine) Fork(ctx context.Context, parentID string, offset int, mode, name string) (*store.Branch, error) {
	e.structMu.Lock()
	defer e.structMu.Unlock()
	return e.forkLocked(ctx, parentID, offset, mode, name, true)
}

// forkLocked is Fork without the structural lock, for operations that
// already hold it. discoverable controls whether the incomplete flag is
// cleared at the end; edit and regenerate keep it set until narration
// succeeds.
func (e *Engine) forkLocked(ctx context.Context, parentID string, offset int, mode, name string, discoverable bool) (*store.Branch, error) {
	parent, err := e.store.GetBranch(parentID)
	if err != nil {
		return nil, err
	}
	if err := guardActive(parent); err != nil {
		return nil, err
	}

	if mode == ForkBlank {
		offset = store.ForkOffsetNone
	} else {
		// Repeated forks at one point attach as siblings under a shared
		// ancestor rather than stacking
		branches, err := e.store.ListBranches()
		if err != nil {
			return nil, err
		}
		byID := make(map[string]*store.Branch, len(branches))
		for _, b := range branches {
			byID[b.ID] = b
		}
		parentID = timeline.ResolveSiblingParent(byID, parentID, offset)
	}

	child := &store.Branch{
		ID:         store.NewBranchID(),
		Name:       name,
		ParentID:   parentID,
		ForkOffset: offset,
		Blank:      mode == ForkBlank,
		Incomplete: true,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if child.Name == "" {
		child.Name = child.ID
	}
	if err := e.store.CreateBranch(child); err != nil {
		return nil, err
	}

	if err := e.seedChild(ctx, parentID, child, mode, offset); err != nil {
		// The child stays incomplete; reconciliation retires it
		slog.Warn("fork seeding failed, leaving branch incomplete",
			"branch", child.ID, "parent", parentID, "error", err)
		return nil, fmt.Errorf("fork %s: %w", parentID, err)
	}

	if discoverable {
		child.Incomplete = false
		if err := e.store.UpdateBranch(child); err != nil {
			return nil, err
		}
	}

	slog.Info("branch forked", "branch", child.ID, "parent", parentID,
		"offset", offset, "mode", mode)
	return child, nil
}

// seedChild writes the child's initial documents and auxiliary data.
func (e *Engine) seedChild(ctx context.Context, parentID string, child *store.Branch, mode string, offset int) error {
	if err := e.locks.acquire(ctx, child.ID); err != nil {
		return err
	}
	defer e.locks.release(child.ID)

	if mode == ForkBlank {
		return e.writeDocuments(child.ID, &snapshot.Documents{
			State:  e.defaultState(),
			Roster: store.Roster{},
		})
	}

	docs, err := e.reconstructAt(parentID, offset)
	if err != nil {
		return err
	}
	if err := e.writeDocuments(child.ID, docs); err != nil {
		return err
	}

	// Events planted at or before the fork point travel with the child;
	// later ones belong to the abandoned continuation.
	events, err := e.store.ListEvents(parentID, 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if ev.MessageIndex > offset {
			continue
		}
		copied := *ev
		copied.ID = 0
		copied.BranchID = child.ID
		if err := e.store.UpsertEvent(&copied); err != nil {
			return err
		}
	}

	return e.store.CopyLore(parentID, child.ID)
}
