package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kittclouds/loom/internal/util"
)

// lockTable hands out per-branch locks from a story-scoped table.
// Distinct branches mutate in parallel; one branch's document writes
// serialize. Locks are channel-based so acquisition can time out.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}

	timeout    time.Duration
	retryDelay time.Duration
}

func newLockTable(timeout, retryDelay time.Duration) *lockTable {
	return &lockTable{
		locks:      make(map[string]chan struct{}),
		timeout:    timeout,
		retryDelay: retryDelay,
	}
}

func (t *lockTable) slot(branchID string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[branchID]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[branchID] = ch
	}
	return ch
}

// acquire takes the branch lock, retrying with exponential backoff and
// jitter until the table's timeout elapses. Returns ErrBranchBusy on
// timeout, ctx.Err() on cancellation.
func (t *lockTable) acquire(ctx context.Context, branchID string) error {
	slot := t.slot(branchID)
	deadline := time.Now().Add(t.timeout)

	for attempt := 1; ; attempt++ {
		select {
		case slot <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("acquire %s: %w", branchID, ErrBranchBusy)
		}

		wait := util.CalculateBackoff(t.retryDelay, attempt)
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (t *lockTable) release(branchID string) {
	select {
	case <-t.slot(branchID):
	default:
		// releasing an unheld lock is a programming error, but never
		// worth a panic in production
	}
}
