package main

import (
	"fmt"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/clock"
	"github.com/kittclouds/loom/pkg/engine"
	"github.com/kittclouds/loom/pkg/extraction"
	"github.com/kittclouds/loom/pkg/llm"
	"github.com/kittclouds/loom/pkg/state"
)

// openEngine wires the full stack for one story: store, schema, gate,
// clock, and (when asked for) the narrator. The returned closer must be
// called when the command is done.
func openEngine(storyID string, withNarrator bool) (*engine.Engine, func(), error) {
	s, err := store.OpenStory(cfg.DataDir, storyID)
	if err != nil {
		return nil, nil, err
	}
	closer := func() { s.Close() }

	story, err := s.GetStory()
	if err != nil {
		closer()
		return nil, nil, err
	}
	if story == nil {
		closer()
		return nil, nil, fmt.Errorf("story %q not initialized; run loom init first", storyID)
	}

	schema := &state.Schema{}
	if len(story.SchemaJSON) > 0 {
		schema, err = state.ParseSchema(story.SchemaJSON)
		if err != nil {
			closer()
			return nil, nil, fmt.Errorf("story schema: %w", err)
		}
	}

	var reviewer state.Reviewer
	if cfg.ValidationMode == state.ModeEnforce && cfg.ReviewerKey != "" {
		client, err := llm.NewOpenAIClient(llm.Config{
			APIKey:     cfg.ReviewerKey,
			BaseURL:    cfg.ReviewerBaseURL,
			Model:      cfg.ReviewerModel,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			closer()
			return nil, nil, fmt.Errorf("reviewer client: %w", err)
		}
		reviewer = extraction.NewReviewer(client)
	}
	gate := state.NewGate(cfg.ValidationMode, reviewer, int64(cfg.MaxConcurrentReview))
	st := state.NewEngine(s, schema, gate, nil)

	var narrator engine.Narrator
	if withNarrator {
		if cfg.NarratorKey == "" {
			closer()
			return nil, nil, fmt.Errorf("no narrator API key configured (LOOM_NARRATOR_API_KEY or OPENAI_API_KEY)")
		}
		client, err := llm.NewOpenAIClient(llm.Config{
			APIKey:     cfg.NarratorKey,
			BaseURL:    cfg.NarratorBaseURL,
			Model:      cfg.NarratorModel,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			closer()
			return nil, nil, fmt.Errorf("narrator client: %w", err)
		}
		narrator = &chatNarrator{client: client}
	}

	e := engine.New(s, st, clock.NewService(s), narrator, engine.Options{
		PruneAdvance:     cfg.PruneAdvance,
		PruneMaxDelta:    cfg.PruneMaxDelta,
		DisableAutoPrune: !cfg.AutoPrune,
		LockTimeout:      cfg.LockTimeout,
		IncompleteTTL:    cfg.IncompleteTTL,
	})

	// Untagged prose falls back to a cheap extraction pass
	if withNarrator && cfg.ReviewerKey != "" {
		client, err := llm.NewOpenAIClient(llm.Config{
			APIKey:     cfg.ReviewerKey,
			BaseURL:    cfg.ReviewerBaseURL,
			Model:      cfg.ReviewerModel,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			Timeout:    cfg.Timeout,
		})
		if err == nil {
			e.SetExtractor(extraction.NewLLMExtractor(client))
		}
	}
	return e, closer, nil
}

// resolveBranch maps an optional --branch flag to a concrete branch,
// defaulting to the story's active branch.
func resolveBranch(e *engine.Engine, flag string) (*store.Branch, error) {
	if flag != "" {
		return e.Store().GetBranch(flag)
	}
	return e.ActiveBranch()
}
