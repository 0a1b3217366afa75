package extraction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kittclouds/loom/pkg/llm"
	"github.com/kittclouds/loom/pkg/state"
)

// Reviewer repairs gated state updates with a secondary model call. It
// implements state.Reviewer; the gate re-validates whatever comes back,
// so a hallucinated repair can never reach canonical state.
type Reviewer struct {
	client llm.Client
}

// NewReviewer creates a reviewer over the given completion client.
func NewReviewer(client llm.Client) *Reviewer {
	return &Reviewer{client: client}
}

// Review asks the model to repair the violating keys and decodes its
// patch. Only returns an error when the call or decode fails outright.
func (r *Reviewer) Review(ctx context.Context, req state.ReviewRequest) (*state.ReviewPatch, error) {
	if r.client == nil {
		return nil, fmt.Errorf("extraction: reviewer has no client")
	}

	payload, err := json.MarshalIndent(map[string]any{
		"original":   req.Original,
		"sanitized":  req.Sanitized,
		"violations": req.Violations,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("extraction: marshal review request: %w", err)
	}

	raw, err := r.client.Complete(ctx, llm.Request{
		System:      ReviewerSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: string(payload)}},
		Temperature: 0.1,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction: review call failed: %w", err)
	}

	body, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	patch := &state.ReviewPatch{}
	if p, ok := body["patch"].(map[string]any); ok {
		patch.Patch = p
	}
	if d, ok := body["drop"].([]any); ok {
		for _, k := range d {
			if s, ok := k.(string); ok {
				patch.Drop = append(patch.Drop, s)
			}
		}
	}
	return patch, nil
}
