package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/clock"
	"github.com/kittclouds/loom/pkg/extraction"
	"github.com/kittclouds/loom/pkg/snapshot"
	"github.com/kittclouds/loom/pkg/timeline"
)

// Send plays one player turn on a branch: append the player message,
// ask the narrator for the reply, extract and apply its structured
// payloads, and append the narrator message with snapshots attached.
// The player message survives a failed narration; retrying the turn is
// a Regenerate.
func (e *Engine) Send(ctx context.Context, branchID, content string) (player, reply *store.Message, err error) {
	b, err := e.store.GetBranch(branchID)
	if err != nil {
		return nil, nil, err
	}
	if err := guardActive(b); err != nil {
		return nil, nil, err
	}
	if b.Incomplete {
		return nil, nil, fmt.Errorf("branch %s: %w", branchID, ErrIncomplete)
	}

	if err := e.locks.acquire(ctx, branchID); err != nil {
		return nil, nil, err
	}
	player = &store.Message{BranchID: branchID, Role: store.RolePlayer, Content: content}
	err = e.store.AppendMessage(player)
	e.locks.release(branchID)
	if err != nil {
		return nil, nil, err
	}

	reply, err = e.narrate(ctx, branchID)
	if err != nil {
		return player, nil, err
	}

	if !e.opts.DisableAutoPrune {
		if pruned, perr := e.AutoPrune(ctx, branchID); perr != nil {
			slog.Warn("auto-prune sweep failed", "branch", branchID, "error", perr)
		} else if len(pruned) > 0 {
			slog.Info("auto-pruned stale siblings", "branch", branchID, "pruned", pruned)
		}
	}

	return player, reply, nil
}

// narrate asks the narrator for the branch's next message, applies the
// extracted payloads, and appends the reply with snapshots. The branch
// lock is NOT held during the narrator call or gating; it is taken for
// the write-back only.
func (e *Engine) narrate(ctx context.Context, branchID string) (*store.Message, error) {
	if e.narrator == nil {
		return nil, ErrNoNarrator
	}

	tl, _, err := timeline.ComposeWithReport(e.store, branchID)
	if err != nil && !errors.Is(err, timeline.ErrCycle) {
		return nil, err
	}
	docs, err := e.documents(branchID)
	if err != nil {
		return nil, err
	}

	raw, err := e.narrator.Generate(ctx, NarrateRequest{BranchID: branchID, Timeline: tl, Docs: docs})
	if err != nil {
		return nil, fmt.Errorf("narrate %s: %w", branchID, err)
	}

	res := extraction.Parse(raw)
	if res.Malformed > 0 {
		slog.Warn("narrator emitted malformed tags", "branch", branchID, "count", res.Malformed)
	}

	// Untagged prose falls back to the extraction collaborator, still
	// before any lock is taken
	if len(res.StateUpdates) == 0 && e.extractor != nil {
		recent := append(recentTail(tl, 3), &store.Message{Role: store.RoleNarrator, Content: res.Text})
		updates, xerr := e.extractor.Extract(ctx, recent)
		if xerr != nil {
			slog.Warn("prose extraction failed", "branch", branchID, "error", xerr)
		} else {
			res.StateUpdates = updates
		}
	}

	// Gate (and possibly review) each update before taking the lock
	prepared := make([]map[string]any, 0, len(res.StateUpdates))
	for _, update := range res.StateUpdates {
		payload, violations := e.state.PrepareUpdate(ctx, update)
		if len(violations) > 0 {
			slog.Info("state update gated", "branch", branchID, "violations", len(violations))
		}
		prepared = append(prepared, payload)
	}

	if err := e.locks.acquire(ctx, branchID); err != nil {
		return nil, err
	}
	defer e.locks.release(branchID)

	return e.writeBack(branchID, res, prepared)
}

// recentTail returns up to n trailing messages of a timeline.
func recentTail(tl []*store.Message, n int) []*store.Message {
	if len(tl) <= n {
		return append([]*store.Message{}, tl...)
	}
	return append([]*store.Message{}, tl[len(tl)-n:]...)
}

// writeBack applies extracted payloads and appends the narrator message.
// Caller holds the branch lock.
func (e *Engine) writeBack(branchID string, res *extraction.Result, prepared []map[string]any) (*store.Message, error) {
	for _, payload := range prepared {
		if _, err := e.state.ApplyPrepared(branchID, payload); err != nil {
			return nil, err
		}
	}
	if err := e.state.UpsertNPCs(branchID, res.NPCs); err != nil {
		return nil, err
	}

	// The narrator message lands one past the current composed tip
	b, err := e.store.GetBranch(branchID)
	if err != nil {
		return nil, err
	}
	last, err := e.store.LastIndex(branchID)
	if err != nil {
		return nil, err
	}
	if last < 0 {
		last = b.ForkOffset
	}
	nextIndex := last + 1

	for _, ev := range res.Events {
		event := &store.Event{
			BranchID:      branchID,
			Type:          ev.Type,
			Title:         ev.Title,
			Description:   ev.Description,
			MessageIndex:  nextIndex,
			Status:        ev.Status,
			Tags:          ev.Tags,
			RelatedTitles: ev.Related,
		}
		if err := e.store.UpsertEvent(event); err != nil {
			return nil, err
		}
	}
	for _, l := range res.Lore {
		entry := &store.LoreEntry{
			BranchID:    branchID,
			Topic:       l.Topic,
			Subcategory: l.Subcategory,
			Category:    l.Category,
			Content:     l.Content,
			Source:      &store.LoreSource{BranchID: branchID, MessageIndex: nextIndex},
			EditedBy:    "auto",
		}
		if err := e.store.UpsertLore(entry); err != nil {
			return nil, err
		}
	}

	days := 0.0
	for _, tag := range res.TimeTags {
		days += clock.ParseTag(tag)
	}
	if days > 0 {
		if _, err := e.clock.Advance(branchID, days); err != nil {
			return nil, err
		}
	}

	after, err := e.documents(branchID)
	if err != nil {
		return nil, err
	}
	msg := &store.Message{BranchID: branchID, Role: store.RoleNarrator, Content: res.Text}
	if err := snapshot.Attach(msg, after); err != nil {
		return nil, err
	}
	if err := e.store.AppendMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
