package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/match"
)

// Engine owns one story's state mutation path: gate, lowering, apply,
// growth clamping, and derived-index upkeep. Branch locking is the
// caller's job; the engine assumes it holds the branch.
type Engine struct {
	store  store.Storer
	schema *Schema
	gate   *Gate

	// signal, when set, is invoked after canonical state changes with
	// the invalidated index categories. Used to push UI refreshes.
	signal func(branchID string, categories []string)
}

// ApplyResult reports one update's outcome.
type ApplyResult struct {
	Doc        store.StateDoc
	Violations []Violation
	Rejected   []Rejection
	Categories []string // index categories invalidated
	Clamped    []string // fields capped by the growth budget
}

// NewEngine creates a state engine. signal may be nil.
func NewEngine(s store.Storer, schema *Schema, gate *Gate, signal func(branchID string, categories []string)) *Engine {
	if schema == nil {
		schema = &Schema{}
	}
	return &Engine{store: s, schema: schema, gate: gate, signal: signal}
}

// Schema returns the engine's schema.
func (e *Engine) Schema() *Schema { return e.schema }

// State loads a branch's canonical state document. Missing documents
// read as empty.
func (e *Engine) State(branchID string) (store.StateDoc, error) {
	raw, err := e.store.GetDocument(branchID, store.DocState)
	if err != nil {
		if err == store.ErrDocumentNotFound {
			return store.StateDoc{}, nil
		}
		return nil, err
	}
	var doc store.StateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal state document: %w", err)
	}
	return doc, nil
}

// PutState overwrites a branch's canonical state document.
func (e *Engine) PutState(branchID string, doc store.StateDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal state document: %w", err)
	}
	return e.store.PutDocument(branchID, store.DocState, raw)
}

// Roster loads a branch's roster. Missing documents read as empty.
func (e *Engine) Roster(branchID string) (store.Roster, error) {
	raw, err := e.store.GetDocument(branchID, store.DocRoster)
	if err != nil {
		if err == store.ErrDocumentNotFound {
			return store.Roster{}, nil
		}
		return nil, err
	}
	var roster store.Roster
	if err := json.Unmarshal(raw, &roster); err != nil {
		return nil, fmt.Errorf("unmarshal roster: %w", err)
	}
	return roster, nil
}

// PutRoster overwrites a branch's roster.
func (e *Engine) PutRoster(branchID string, roster store.Roster) error {
	raw, err := json.Marshal(roster)
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}
	return e.store.PutDocument(branchID, store.DocRoster, raw)
}

// Progression loads a branch's progression document.
func (e *Engine) Progression(branchID string) (store.Progression, error) {
	raw, err := e.store.GetDocument(branchID, store.DocProgression)
	if err != nil {
		if err == store.ErrDocumentNotFound {
			return store.Progression{}, nil
		}
		return store.Progression{}, err
	}
	var p store.Progression
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("unreadable progression document, resetting", "branch", branchID, "error", err)
		return store.Progression{}, nil
	}
	return p, nil
}

// PutProgression overwrites a branch's progression document.
func (e *Engine) PutProgression(branchID string, p store.Progression) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progression: %w", err)
	}
	return e.store.PutDocument(branchID, store.DocProgression, raw)
}

// PrepareUpdate runs the gate over a payload without touching any
// document. Gating may call the reviewer, so callers run it before
// taking branch locks.
func (e *Engine) PrepareUpdate(ctx context.Context, update map[string]any) (map[string]any, []Violation) {
	return e.gate.Run(ctx, update, e.schema)
}

// ApplyUpdate gates, lowers, and applies one update payload to a
// branch's canonical state, clamps growth against the current arc's
// budgets, persists the result, and refreshes the touched index
// categories.
func (e *Engine) ApplyUpdate(ctx context.Context, branchID string, update map[string]any) (*ApplyResult, error) {
	if len(update) == 0 {
		return &ApplyResult{}, nil
	}
	payload, violations := e.PrepareUpdate(ctx, update)
	res, err := e.ApplyPrepared(branchID, payload)
	if err != nil {
		return nil, err
	}
	res.Violations = violations
	return res, nil
}

// ApplyPrepared applies an already-gated payload. Callers that separate
// gating from application (to keep reviewer calls outside locks) use
// this for the locked half.
func (e *Engine) ApplyPrepared(branchID string, payload map[string]any) (*ApplyResult, error) {
	if len(payload) == 0 {
		return &ApplyResult{}, nil
	}

	doc, err := e.State(branchID)
	if err != nil {
		return nil, err
	}

	ops := Lower(payload, e.schema)
	newDoc, rejected := Apply(doc, ops, e.schema)

	clamped, err := e.clampGrowth(branchID, doc, newDoc)
	if err != nil {
		return nil, err
	}

	if err := e.PutState(branchID, newDoc); err != nil {
		return nil, err
	}

	categories := TouchedCategories(ops, e.schema)
	if err := e.refreshCategories(branchID, newDoc, categories); err != nil {
		slog.Warn("index refresh failed", "branch", branchID, "error", err)
	}
	if e.signal != nil && len(categories) > 0 {
		e.signal(branchID, categories)
	}

	return &ApplyResult{
		Doc:        newDoc,
		Rejected:   rejected,
		Categories: categories,
		Clamped:    clamped,
	}, nil
}

// clampGrowth caps numeric gains against the current arc's budgets and
// records the consumption. A field with no budget grows freely.
func (e *Engine) clampGrowth(branchID string, old, updated store.StateDoc) ([]string, error) {
	prog, err := e.Progression(branchID)
	if err != nil {
		return nil, err
	}
	if prog.Current == nil || len(prog.Current.Budgets) == 0 {
		return nil, nil
	}

	var clamped []string
	changed := false
	for field, budget := range prog.Current.Budgets {
		if budget == nil {
			continue
		}
		before, _ := toFloat(old[field])
		after, ok := toFloat(updated[field])
		if !ok {
			continue
		}
		gain := after - before
		if gain <= 0 {
			continue
		}

		if budget.Locked {
			updated[field] = before
			clamped = append(clamped, field)
			slog.Info("growth rejected by locked budget",
				"branch", branchID, "field", field, "gain", gain)
			continue
		}

		remaining := budget.Max - budget.Consumed
		if remaining < 0 {
			remaining = 0
		}
		if gain > remaining {
			updated[field] = before + remaining
			budget.Consumed = budget.Max
			clamped = append(clamped, field)
			slog.Info("growth clamped by arc budget",
				"branch", branchID, "field", field, "gain", gain, "remaining", remaining)
		} else {
			budget.Consumed += gain
		}
		changed = true
	}

	if changed {
		if err := e.PutProgression(branchID, prog); err != nil {
			return nil, err
		}
	}
	return clamped, nil
}

// UpsertNPCs merges extracted characters into the branch roster,
// matching on canonical name. Existing detail survives unless the
// incoming record has something to say.
func (e *Engine) UpsertNPCs(branchID string, incoming []store.NPC) error {
	if len(incoming) == 0 {
		return nil
	}

	roster, err := e.Roster(branchID)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	byName := make(map[string]int, len(roster))
	for i := range roster {
		byName[match.Canonicalize(roster[i].Name)] = i
	}

	for _, npc := range incoming {
		if strings.TrimSpace(npc.Name) == "" {
			continue
		}
		canon := match.Canonicalize(npc.Name)
		if i, ok := byName[canon]; ok {
			mergeNPC(&roster[i], &npc)
			roster[i].UpdatedAt = now
			continue
		}
		if npc.ID == "" {
			npc.ID = npcID(npc.Name)
		}
		npc.UpdatedAt = now
		roster = append(roster, npc)
		byName[canon] = len(roster) - 1
	}

	if err := e.PutRoster(branchID, roster); err != nil {
		return err
	}

	entries := ProjectRoster(branchID, roster, now)
	if err := e.store.ReplaceIndexCategory(branchID, CategoryNPC, entries); err != nil {
		slog.Warn("npc index refresh failed", "branch", branchID, "error", err)
	}
	if e.signal != nil {
		e.signal(branchID, []string{CategoryNPC})
	}
	return nil
}

func mergeNPC(dst, src *store.NPC) {
	if src.Role != "" {
		dst.Role = src.Role
	}
	if src.Tier != "" {
		dst.Tier = src.Tier
	}
	if src.Appearance != "" {
		dst.Appearance = src.Appearance
	}
	if src.Personality != "" {
		dst.Personality = src.Personality
	}
	if src.Relationship != "" {
		dst.Relationship = src.Relationship
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	if len(src.Traits) > 0 {
		seen := make(map[string]bool, len(dst.Traits))
		for _, t := range dst.Traits {
			seen[t] = true
		}
		for _, t := range src.Traits {
			if !seen[t] {
				dst.Traits = append(dst.Traits, t)
			}
		}
	}
}

// npcID derives a stable roster id from a name: "npc_" plus the name
// with every non-alphanumeric run collapsed to one underscore, capped
// at 24 runes.
func npcID(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	slug := strings.Trim(b.String(), "_")
	runes := []rune(slug)
	if len(runes) > 24 {
		runes = runes[:24]
	}
	return "npc_" + string(runes)
}

// refreshCategories reprojects the given categories of the state
// document into the index.
func (e *Engine) refreshCategories(branchID string, doc store.StateDoc, categories []string) error {
	if len(categories) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	projected := ProjectState(branchID, doc, e.schema, now)
	for _, c := range categories {
		if err := e.store.ReplaceIndexCategory(branchID, c, projected[c]); err != nil {
			return err
		}
	}
	// The synchronous path keeps the index current, so stamp it fresh
	// rather than forcing a full rebuild on the next query
	if meta, err := e.store.GetIndexMeta(branchID); err == nil && meta != nil {
		meta.RebuiltAt = now
		meta.Dirty = false
		return e.store.PutIndexMeta(meta)
	}
	return nil
}

// RebuildIndex reprojects every category of a branch's index from the
// canonical documents and stamps the index fresh.
func (e *Engine) RebuildIndex(branchID string) error {
	doc, err := e.State(branchID)
	if err != nil {
		return err
	}
	roster, err := e.Roster(branchID)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	projected := ProjectState(branchID, doc, e.schema, now)

	seen := make(map[string]bool)
	for i := range e.schema.Lists {
		c := e.schema.Lists[i].CategoryFor()
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := e.store.ReplaceIndexCategory(branchID, c, projected[c]); err != nil {
			return err
		}
	}
	if err := e.store.ReplaceIndexCategory(branchID, CategoryNPC, ProjectRoster(branchID, roster, now)); err != nil {
		return err
	}

	return e.store.PutIndexMeta(&store.IndexMeta{BranchID: branchID, RebuiltAt: now})
}

// EnsureFresh rebuilds the branch index when it is missing, marked
// dirty, or older than the given canonical change time.
func (e *Engine) EnsureFresh(branchID string, changedAt int64) error {
	meta, err := e.store.GetIndexMeta(branchID)
	if err != nil {
		return err
	}
	if meta != nil && !meta.Dirty && meta.RebuiltAt >= changedAt {
		return nil
	}
	slog.Info("rebuilding stale index", "branch", branchID)
	return e.RebuildIndex(branchID)
}

// Search runs a budgeted keyword search over the branch index. An
// automaton over the branch's index keys detects explicit mentions, so
// a query naming an entry outright always surfaces it.
func (e *Engine) Search(branchID, query string, opts SearchOptions) ([]SearchResult, error) {
	b, err := e.store.GetBranch(branchID)
	if err != nil {
		return nil, err
	}
	changedAt := b.CreatedAt
	if b.LastActiveAt > changedAt {
		changedAt = b.LastActiveAt
	}
	if err := e.EnsureFresh(branchID, changedAt); err != nil {
		return nil, err
	}

	entries, err := e.store.ListIndexEntries(branchID)
	if err != nil {
		return nil, err
	}

	if opts.Matcher == nil {
		terms := make([]match.Term, 0, len(entries))
		for _, entry := range entries {
			terms = append(terms, match.Term{Key: entry.Key, Category: entry.Category})
		}
		m, err := match.Compile(terms)
		if err != nil {
			slog.Warn("index matcher compile failed, using substring detection", "branch", branchID, "error", err)
		} else {
			opts.Matcher = m
		}
	}

	return Search(entries, query, opts), nil
}
