// Package engine implements the branch operations of a story: fork,
// edit, regenerate, merge, promote, delete, prune, switch, and the
// player turn itself. Every operation goes through a per-branch lock
// table plus a story-wide structural mutex, and collaborator calls
// (narrator, reviewer) never run while a lock is held.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/clock"
	"github.com/kittclouds/loom/pkg/snapshot"
	"github.com/kittclouds/loom/pkg/state"
	"github.com/kittclouds/loom/pkg/timeline"
)

// NarrateRequest carries everything the narrator collaborator needs:
// the composed timeline and the branch's current documents. The engine
// never builds prompts.
type NarrateRequest struct {
	BranchID string
	Timeline []*store.Message
	Docs     *snapshot.Documents
}

// Narrator produces the story's reply to the current timeline. Content
// may carry structured tags; the engine extracts and validates them.
type Narrator interface {
	Generate(ctx context.Context, req NarrateRequest) (string, error)
}

// Extractor pulls state updates out of untagged prose. Optional; when
// set, it runs only for replies that carried no structured tags, and
// its output passes the same validation gate as tagged updates.
type Extractor interface {
	Extract(ctx context.Context, recent []*store.Message) ([]map[string]any, error)
}

// Options tunes the engine's guards and timeouts.
type Options struct {
	// PruneAdvance is how many messages the active branch must have
	// advanced past a sibling's fork point before the sibling is a
	// prune candidate.
	PruneAdvance int
	// PruneMaxDelta is the largest local delta log a prune candidate
	// may have.
	PruneMaxDelta int
	// DisableAutoPrune turns off the sweep that runs after each turn.
	// Explicit AutoPrune calls still work.
	DisableAutoPrune bool

	LockTimeout    time.Duration
	LockRetryDelay time.Duration

	// IncompleteTTL is how old an incomplete branch must be before
	// reconciliation retires it.
	IncompleteTTL time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		PruneAdvance:   5,
		PruneMaxDelta:  2,
		LockTimeout:    5 * time.Second,
		LockRetryDelay: 25 * time.Millisecond,
		IncompleteTTL:  10 * time.Minute,
	}
}

// Engine drives one story's branch tree.
type Engine struct {
	store     store.Storer
	state     *state.Engine
	clock     *clock.Service
	narrator  Narrator
	extractor Extractor
	opts      Options

	locks *lockTable

	// structMu covers tree-shape bookkeeping: fork, merge, promote,
	// delete, prune, switch. Document mutation takes branch locks.
	structMu sync.Mutex
}

// New creates an engine. narrator may be nil for a read/maintenance
// engine; narration-requiring operations then fail with ErrNoNarrator.
func New(s store.Storer, st *state.Engine, ck *clock.Service, narrator Narrator, opts Options) *Engine {
	if opts.PruneAdvance <= 0 {
		opts.PruneAdvance = 5
	}
	if opts.PruneMaxDelta <= 0 {
		opts.PruneMaxDelta = 2
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = 25 * time.Millisecond
	}
	if opts.IncompleteTTL <= 0 {
		opts.IncompleteTTL = 10 * time.Minute
	}
	return &Engine{
		store:    s,
		state:    st,
		clock:    ck,
		narrator: narrator,
		opts:     opts,
		locks:    newLockTable(opts.LockTimeout, opts.LockRetryDelay),
	}
}

// SetExtractor installs the fallback prose extractor.
func (e *Engine) SetExtractor(x Extractor) { e.extractor = x }

// State returns the engine's state mutation engine.
func (e *Engine) State() *state.Engine { return e.state }

// Clock returns the engine's clock service.
func (e *Engine) Clock() *clock.Service { return e.clock }

// Store returns the underlying store.
func (e *Engine) Store() store.Storer { return e.store }

// Timeline composes a branch's full message sequence.
func (e *Engine) Timeline(branchID string) ([]*store.Message, *timeline.Report, error) {
	return timeline.ComposeWithReport(e.store, branchID)
}

// Tree returns every branch in the story.
func (e *Engine) Tree() ([]*store.Branch, error) {
	return e.store.ListBranches()
}

// ActiveBranch resolves the story's active branch, falling back to the
// root when the story header is missing or stale.
func (e *Engine) ActiveBranch() (*store.Branch, error) {
	story, err := e.store.GetStory()
	if err == nil && story != nil && story.ActiveBranchID != "" {
		if b, err := e.store.GetBranch(story.ActiveBranchID); err == nil {
			return b, nil
		}
	}
	return e.store.GetBranch(store.RootBranchID)
}

// guardActive rejects operations on branches that left the active
// state, mapping each flag to its sentinel.
func guardActive(b *store.Branch) error {
	switch {
	case b.Deleted:
		return fmt.Errorf("branch %s: %w", b.ID, ErrBranchDeleted)
	case b.Merged:
		return fmt.Errorf("branch %s: %w", b.ID, ErrBranchMerged)
	case b.Pruned:
		return fmt.Errorf("branch %s: %w", b.ID, ErrBranchPruned)
	default:
		return nil
	}
}

// documents loads a branch's four live documents as one bundle.
func (e *Engine) documents(branchID string) (*snapshot.Documents, error) {
	st, err := e.state.State(branchID)
	if err != nil {
		return nil, err
	}
	roster, err := e.state.Roster(branchID)
	if err != nil {
		return nil, err
	}
	ck, err := e.clock.Get(branchID)
	if err != nil {
		return nil, err
	}
	prog, err := e.state.Progression(branchID)
	if err != nil {
		return nil, err
	}
	return &snapshot.Documents{State: st, Roster: roster, Clock: ck, Progression: prog}, nil
}

// writeDocuments persists a bundle as a branch's live documents.
func (e *Engine) writeDocuments(branchID string, docs *snapshot.Documents) error {
	if err := e.state.PutState(branchID, docs.State); err != nil {
		return err
	}
	if err := e.state.PutRoster(branchID, docs.Roster); err != nil {
		return err
	}
	if err := e.clock.Set(branchID, docs.Clock.WorldDay); err != nil {
		return err
	}
	return e.state.PutProgression(branchID, docs.Progression)
}

// defaultState reads the story's declared default state document.
func (e *Engine) defaultState() store.StateDoc {
	story, err := e.store.GetStory()
	if err != nil || story == nil || len(story.DefaultStateJSON) == 0 {
		return store.StateDoc{}
	}
	var doc store.StateDoc
	if err := json.Unmarshal(story.DefaultStateJSON, &doc); err != nil {
		return store.StateDoc{}
	}
	return doc
}

// reconstructAt rebuilds the documents as they stood at atIndex on the
// parent's composed timeline, backfilled from the parent's live state
// for schema fields older snapshots predate.
func (e *Engine) reconstructAt(parentID string, atIndex int) (*snapshot.Documents, error) {
	tl, _, err := timeline.ComposeWithReport(e.store, parentID)
	if err != nil && !errors.Is(err, timeline.ErrCycle) {
		return nil, err
	}

	docs := snapshot.Reconstruct(tl, atIndex, e.defaultState())

	live, lerr := e.state.State(parentID)
	if lerr == nil {
		var fields []string
		for _, f := range e.state.Schema().Fields {
			fields = append(fields, f.Key)
		}
		for _, l := range e.state.Schema().Lists {
			fields = append(fields, l.Key)
		}
		snapshot.Backfill(docs.State, live, fields)
	}
	return docs, nil
}

// setActiveBranch updates the story header's active branch pointer.
func (e *Engine) setActiveBranch(branchID string) error {
	story, err := e.store.GetStory()
	if err != nil {
		return err
	}
	if story == nil {
		story = &store.Story{ID: "story", CreatedAt: time.Now().UnixMilli()}
	}
	story.ActiveBranchID = branchID
	story.UpdatedAt = time.Now().UnixMilli()
	return e.store.PutStory(story)
}
