package store

import "errors"

// Lookup errors.
var (
	// ErrBranchNotFound is returned when a branch id has no row.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrMessageNotFound is returned when no message exists at the
	// requested composed-timeline index.
	ErrMessageNotFound = errors.New("message not found")

	// ErrDocumentNotFound is returned when a branch has no document of
	// the requested kind.
	ErrDocumentNotFound = errors.New("document not found")
)

// Write errors.
var (
	// ErrBranchExists is returned when creating a branch whose id is
	// already taken.
	ErrBranchExists = errors.New("branch already exists")

	// ErrIndexConflict is returned when an insert would reuse an index
	// already present in the branch's delta log. Indices are assigned
	// once and never reused.
	ErrIndexConflict = errors.New("message index already in use")
)
