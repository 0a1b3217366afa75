// Package timeline composes per-branch delta logs into full message
// sequences and answers structural questions about the branch tree
// (fork points, sibling groups, sibling-parent resolution).
package timeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kittclouds/loom/internal/store"
)

// ErrCycle reports a parent loop in the branch tree. The composed result
// still holds the longest acyclic prefix.
var ErrCycle = errors.New("branch chain contains a cycle")

// Source is the subset of the store the composer reads from.
type Source interface {
	GetBranch(id string) (*store.Branch, error)
	ListBranches() ([]*store.Branch, error)
	MessagesFor(branchID string) ([]*store.Message, error)
	LastIndex(branchID string) (int, error)
	CountMessages(branchID string) (int, error)
}

// Report describes discontinuities met while composing a timeline.
// A report with all zero values means the chain was clean.
type Report struct {
	// Chain holds the contributing branch ids, root first.
	Chain []string
	// MissingParent is the id of an ancestor that could not be loaded;
	// composition starts at its child instead.
	MissingParent string
	// Cycle is set when the parent walk revisited a branch.
	Cycle bool
	// UnknownBranch is set when the requested branch does not exist and
	// the root timeline was returned instead.
	UnknownBranch bool
}

// Compose returns the full message sequence for a branch: the inherited
// prefix from its ancestor chain followed by its own delta log. Each
// message keeps the BranchID of the branch that owns it.
func Compose(src Source, branchID string) ([]*store.Message, error) {
	msgs, _, err := ComposeWithReport(src, branchID)
	return msgs, err
}

// ComposeWithReport is Compose plus a discontinuity report. A cycle
// yields the longest acyclic prefix together with an ErrCycle-wrapped
// error; missing ancestors and unknown branch ids degrade without error.
func ComposeWithReport(src Source, branchID string) ([]*store.Message, *Report, error) {
	report := &Report{}

	startID := branchID
	if _, err := src.GetBranch(branchID); err != nil {
		if !errors.Is(err, store.ErrBranchNotFound) {
			return nil, nil, err
		}
		report.UnknownBranch = true
		slog.Warn("composing timeline for unknown branch, using root", "branch", branchID)
		if branchID == store.RootBranchID {
			return nil, report, nil
		}
		startID = store.RootBranchID
		if _, err := src.GetBranch(startID); err != nil {
			if errors.Is(err, store.ErrBranchNotFound) {
				return nil, report, nil
			}
			return nil, nil, err
		}
	}

	chain, err := chainFor(src, startID, report)
	if err != nil {
		return nil, nil, err
	}

	var timeline []*store.Message
	for i, b := range chain {
		if i > 0 {
			timeline = keepThrough(timeline, b.ForkOffset)
		}
		local, err := src.MessagesFor(b.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("load messages for %s: %w", b.ID, err)
		}
		timeline = append(timeline, local...)
		report.Chain = append(report.Chain, b.ID)
	}

	if report.Cycle {
		return timeline, report, fmt.Errorf("compose %s: %w", branchID, ErrCycle)
	}
	return timeline, report, nil
}

// chainFor walks parent pointers from id to the root and returns the
// branches root-first. The walk stops at a missing parent (recorded on
// the report) or on a revisit (cycle).
func chainFor(src Source, id string, report *Report) ([]*store.Branch, error) {
	var chain []*store.Branch
	visited := make(map[string]bool)

	for id != "" {
		if visited[id] {
			report.Cycle = true
			slog.Warn("cycle in branch chain", "branch", id)
			break
		}
		visited[id] = true

		b, err := src.GetBranch(id)
		if err != nil {
			if errors.Is(err, store.ErrBranchNotFound) {
				report.MissingParent = id
				slog.Warn("missing parent in chain", "parent", id)
				break
			}
			return nil, err
		}
		chain = append(chain, b)
		id = b.ParentID
	}

	// Reverse to root-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// keepThrough truncates a composed sequence to entries with index <=
// offset. Offset -1 empties it, which is how blank branches inherit
// nothing.
func keepThrough(msgs []*store.Message, offset int) []*store.Message {
	cut := len(msgs)
	for cut > 0 && msgs[cut-1].Index > offset {
		cut--
	}
	return msgs[:cut]
}
