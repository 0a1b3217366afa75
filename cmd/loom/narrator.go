package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/engine"
	"github.com/kittclouds/loom/pkg/llm"
)

const narratorSystem = `You are the narrator of an interactive story. Continue the story from the player's latest message, in second person, staying consistent with everything established so far.

After the prose you may record structured changes in comment tags:
<!-- STATE { ...partial state update... } STATE -->
<!-- NPC { "name": "...", "role": "...", "relationship": "..." } NPC -->
<!-- EVENT { "type": "foreshadowing", "title": "...", "status": "planted" } EVENT -->
<!-- LORE { "topic": "...", "content": "..." } LORE -->
<!-- TIME days:N TIME -->
Only emit tags for things that actually changed.`

// chatNarrator adapts the completion client to the engine's Narrator
// contract: timeline messages become the chat transcript and the current
// documents ride along as a system message.
type chatNarrator struct {
	client llm.Client
}

func (n *chatNarrator) Generate(ctx context.Context, req engine.NarrateRequest) (string, error) {
	msgs := make([]llm.Message, 0, len(req.Timeline)+1)

	if req.Docs != nil {
		stateJSON, err := json.Marshal(req.Docs.State)
		if err != nil {
			return "", err
		}
		msgs = append(msgs, llm.Message{
			Role: llm.RoleSystem,
			Content: fmt.Sprintf("Current state:\n%s\nWorld day: %.2f",
				stateJSON, req.Docs.Clock.WorldDay),
		})
	}

	for _, m := range req.Timeline {
		role := llm.RoleUser
		if m.Role == store.RoleNarrator {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}

	return n.client.Complete(ctx, llm.Request{
		System:      narratorSystem,
		Messages:    msgs,
		Temperature: 0.8,
	})
}
