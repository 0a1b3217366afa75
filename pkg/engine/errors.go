package engine

import "errors"

// Sentinel errors of the branch operation engine. Callers test with
// errors.Is; wrapped context names the branch involved.
var (
	// ErrBranchBusy reports a lock acquisition that timed out. The
	// operation was not started; retry with backoff.
	ErrBranchBusy = errors.New("branch is busy")

	// ErrRootImmutable rejects structural operations on the root branch.
	ErrRootImmutable = errors.New("root branch cannot be modified")

	// ErrBranchMerged rejects operations on an already-merged branch.
	ErrBranchMerged = errors.New("branch has been merged")

	// ErrBranchDeleted rejects operations on a deleted branch.
	ErrBranchDeleted = errors.New("branch has been deleted")

	// ErrBranchPruned rejects operations on a pruned branch.
	ErrBranchPruned = errors.New("branch has been pruned")

	// ErrIncomplete reports a branch whose creating operation never
	// finished. Reconciliation completes or retires it.
	ErrIncomplete = errors.New("branch is incomplete")

	// ErrNoChange rejects an edit whose content matches the original
	// message exactly.
	ErrNoChange = errors.New("edited content is unchanged")

	// ErrNoNarrator reports a narration-requiring operation on an engine
	// built without a narrator collaborator.
	ErrNoNarrator = errors.New("no narrator configured")
)
