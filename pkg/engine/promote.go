package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kittclouds/loom/internal/store"
)

// Promote makes a branch the story's mainline: every ancestor's delta
// is trimmed to what the promoted lineage actually inherits, subtrees
// hanging off the promoted path are soft-deleted (lineage metadata
// retained), and the branch is recorded as the promoted mainline leaf.
func (e *Engine) Promote(ctx context.Context, branchID string) error {
	e.structMu.Lock()
	defer e.structMu.Unlock()

	leaf, err := e.store.GetBranch(branchID)
	if err != nil {
		return err
	}
	if err := guardActive(leaf); err != nil {
		return err
	}
	if leaf.Incomplete {
		return fmt.Errorf("promote %s: %w", branchID, ErrIncomplete)
	}

	branches, err := e.store.ListBranches()
	if err != nil {
		return err
	}
	byID := make(map[string]*store.Branch, len(branches))
	for _, b := range branches {
		byID[b.ID] = b
	}

	// Leaf-to-root path; a blank node inherits nothing, so trimming
	// stops there
	path := []*store.Branch{leaf}
	onPath := map[string]bool{leaf.ID: true}
	cur := leaf
	for cur.ParentID != "" && !cur.Blank {
		parent, ok := byID[cur.ParentID]
		if !ok || onPath[parent.ID] {
			break
		}
		path = append(path, parent)
		onPath[parent.ID] = true
		cur = parent
	}

	// Trim each ancestor's delta beyond its on-path child's fork offset
	for i := 1; i < len(path); i++ {
		ancestor, child := path[i], path[i-1]
		if err := e.locks.acquire(ctx, ancestor.ID); err != nil {
			return err
		}
		err := e.store.TruncateMessages(ancestor.ID, child.ForkOffset)
		e.locks.release(ancestor.ID)
		if err != nil {
			return fmt.Errorf("promote %s: trim %s: %w", branchID, ancestor.ID, err)
		}
	}

	// Subtrees hanging off the path are abandoned alternatives
	now := time.Now().UnixMilli()
	var dropped int
	var markSubtree func(id string) error
	markSubtree = func(id string) error {
		b, ok := byID[id]
		if !ok || b.Deleted {
			return nil
		}
		b.Deleted = true
		b.DeletedAt = now
		if err := e.store.UpdateBranch(b); err != nil {
			return err
		}
		dropped++
		for _, c := range branches {
			if c.ParentID == id {
				if err := markSubtree(c.ID); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, b := range branches {
		if b.Deleted || onPath[b.ID] {
			continue
		}
		if b.ParentID != "" && onPath[b.ParentID] {
			if err := markSubtree(b.ID); err != nil {
				return err
			}
		}
	}

	story, err := e.store.GetStory()
	if err != nil {
		return err
	}
	if story == nil {
		story = &store.Story{ID: "story", CreatedAt: now}
	}
	story.PromotedLeafID = branchID
	story.ActiveBranchID = branchID
	story.UpdatedAt = now
	if err := e.store.PutStory(story); err != nil {
		return err
	}

	slog.Info("branch promoted to mainline", "branch", branchID,
		"lineage", len(path), "dropped", dropped)
	return nil
}
