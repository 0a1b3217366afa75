package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/timeline"
)

// editNameRunes is how much of the new content becomes the branch name.
const editNameRunes = 15

// Edit rewrites the player message at offset+1 of a branch's timeline by
// forking at offset, substituting the new content, and asking the
// narrator for a fresh reply at offset+2. The source branch is never
// mutated. Returns the new branch, already active.
func (e *Engine) Edit(ctx context.Context, branchID string, offset int, newContent string) (*store.Branch, error) {
	e.structMu.Lock()

	tl, _, err := timeline.ComposeWithReport(e.store, branchID)
	if err != nil && !errors.Is(err, timeline.ErrCycle) {
		e.structMu.Unlock()
		return nil, err
	}
	for _, m := range tl {
		if m.Index == offset+1 {
			if m.Content == newContent {
				e.structMu.Unlock()
				return nil, fmt.Errorf("edit %s at %d: %w", branchID, offset+1, ErrNoChange)
			}
			break
		}
	}

	child, err := e.forkLocked(ctx, branchID, offset, ForkContent, editName(newContent), false)
	e.structMu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := e.locks.acquire(ctx, child.ID); err != nil {
		return nil, err
	}
	player := &store.Message{BranchID: child.ID, Role: store.RolePlayer, Content: newContent}
	err = e.store.AppendMessage(player)
	e.locks.release(child.ID)
	if err != nil {
		return nil, err
	}

	return e.finishVariant(ctx, child)
}

// Regenerate forks at offset keeping all content through it and asks
// the narrator for a new reply at offset+1: a fresh take on the same
// player input. Returns the new branch, already active.
func (e *Engine) Regenerate(ctx context.Context, branchID string, offset int) (*store.Branch, error) {
	e.structMu.Lock()

	name := ""
	tl, _, err := timeline.ComposeWithReport(e.store, branchID)
	if err != nil && !errors.Is(err, timeline.ErrCycle) {
		e.structMu.Unlock()
		return nil, err
	}
	for _, m := range tl {
		if m.Index == offset {
			name = editName(m.Content)
			break
		}
	}

	child, err := e.forkLocked(ctx, branchID, offset, ForkContent, name, false)
	e.structMu.Unlock()
	if err != nil {
		return nil, err
	}

	return e.finishVariant(ctx, child)
}

// finishVariant narrates onto a freshly forked, still-incomplete branch
// and makes it discoverable and active. On narration failure the branch
// is cleaned up, or left incomplete for reconciliation when cleanup
// itself fails.
func (e *Engine) finishVariant(ctx context.Context, child *store.Branch) (*store.Branch, error) {
	if _, err := e.narrate(ctx, child.ID); err != nil {
		if derr := e.Delete(ctx, child.ID, true); derr != nil {
			slog.Warn("cleanup of failed variant branch failed, leaving incomplete",
				"branch", child.ID, "error", derr)
		}
		return nil, err
	}

	child.Incomplete = false
	if err := e.store.UpdateBranch(child); err != nil {
		return nil, err
	}
	if err := e.setActiveBranch(child.ID); err != nil {
		return nil, err
	}
	return child, nil
}

// editName derives a branch name from edited content: the first 15
// runes, with an ellipsis when truncated.
func editName(content string) string {
	runes := []rune(content)
	if len(runes) <= editNameRunes {
		return content
	}
	return string(runes[:editNameRunes]) + "…"
}
