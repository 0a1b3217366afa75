package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/llm"
)

// LLMExtractor pulls state updates out of untagged narrator prose with
// a secondary model call. Used when the narrator emits no structured
// tags; its output passes the same validation gate as tagged updates.
type LLMExtractor struct {
	client llm.Client
}

// NewLLMExtractor creates an extractor over the given completion client.
func NewLLMExtractor(client llm.Client) *LLMExtractor {
	return &LLMExtractor{client: client}
}

// Extract reads the recent messages and returns zero or more partial
// state update objects. An empty result is not an error; prose often
// changes nothing.
func (x *LLMExtractor) Extract(ctx context.Context, recent []*store.Message) ([]map[string]any, error) {
	if x.client == nil {
		return nil, fmt.Errorf("extraction: extractor has no client")
	}
	if len(recent) == 0 {
		return nil, nil
	}

	var b strings.Builder
	for _, m := range recent {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}

	raw, err := x.client.Complete(ctx, llm.Request{
		System:      ExtractorSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Temperature: 0.1,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction: extract call: %w", err)
	}

	var updates []map[string]any
	if err := decodeObjectOrArray(raw, &updates); err != nil {
		return nil, fmt.Errorf("extraction: decode updates: %w", err)
	}
	return updates, nil
}
