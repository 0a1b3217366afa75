package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Reconcile sweeps branches whose incomplete flag outlived its TTL. A
// stale incomplete branch with no messages is a failed fork and is
// retired outright; one that accumulated messages got far enough to be
// usable and is completed instead. The sweep is idempotent.
func (e *Engine) Reconcile(ctx context.Context) (retired, completed []string, err error) {
	e.structMu.Lock()
	defer e.structMu.Unlock()

	branches, err := e.store.ListBranches()
	if err != nil {
		return nil, nil, err
	}

	cutoff := time.Now().Add(-e.opts.IncompleteTTL).UnixMilli()
	for _, b := range branches {
		if err := ctx.Err(); err != nil {
			return retired, completed, err
		}
		if !b.Incomplete || b.CreatedAt > cutoff {
			continue
		}

		n, err := e.store.CountMessages(b.ID)
		if err != nil {
			return retired, completed, err
		}

		if n == 0 {
			if err := e.retire(ctx, b.ID); err != nil {
				return retired, completed, err
			}
			retired = append(retired, b.ID)
			slog.Info("incomplete branch retired", "branch", b.ID)
			continue
		}

		b.Incomplete = false
		if err := e.store.UpdateBranch(b); err != nil {
			return retired, completed, err
		}
		completed = append(completed, b.ID)
		slog.Info("incomplete branch completed", "branch", b.ID, "messages", n)
	}

	return retired, completed, nil
}

// retire removes every row an incomplete branch owns. The branch was
// never discoverable, so there are no children to reparent.
func (e *Engine) retire(ctx context.Context, branchID string) error {
	if err := e.locks.acquire(ctx, branchID); err != nil {
		return err
	}
	defer e.locks.release(branchID)

	for _, rm := range []func(string) error{
		e.store.DeleteMessages,
		e.store.DeleteDocuments,
		e.store.DeleteEvents,
		e.store.DeleteLore,
		e.store.DeleteIndexEntries,
		e.store.RemoveBranch,
	} {
		if err := rm(branchID); err != nil {
			return fmt.Errorf("retire %s: %w", branchID, err)
		}
	}
	return nil
}
