// Package extraction pulls structured payloads out of narrator output.
// The narrator embeds machine-readable tags in HTML comments; this
// package strips them from the display text, decodes their JSON bodies
// (repairing the usual model damage), and hands the payloads to the
// engine.
package extraction

import (
	"github.com/kittclouds/loom/internal/store"
)

// Tag names embedded in narrator output as <!--NAME body NAME-->.
const (
	TagState = "STATE"
	TagNPC   = "NPC"
	TagEvent = "EVENT"
	TagLore  = "LORE"
	TagTime  = "TIME"
)

// EventPayload is one EVENT tag body: a plot thread planted, advanced,
// or closed by the narrator.
type EventPayload struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Tags        string `json:"tags,omitempty"`
	Related     string `json:"related,omitempty"`
}

// LorePayload is one LORE tag body: world knowledge worth remembering.
type LorePayload struct {
	Topic       string `json:"topic"`
	Subcategory string `json:"subcategory,omitempty"`
	Category    string `json:"category,omitempty"`
	Content     string `json:"content"`
}

// Result is everything recovered from one narrator response.
type Result struct {
	// Text is the response with all tags stripped, ready for display.
	Text string

	StateUpdates []map[string]any
	NPCs         []store.NPC
	Events       []EventPayload
	Lore         []LorePayload
	TimeTags     []string // raw TIME bodies, e.g. "days:2"

	// Malformed counts tag bodies that could not be decoded even after
	// repair. The text is still cleaned of them.
	Malformed int
}

// MaxTextLength caps the text sent to secondary extraction calls.
const MaxTextLength = 8000
