package extraction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kittclouds/loom/internal/store"
)

// tagRE matches one <!--NAME body NAME--> block. Bodies may span lines.
// RE2 has no backreferences, so the closing name is its own group and
// Parse checks that it repeats the opening name.
var tagRE = regexp.MustCompile(`(?s)<!--\s*(STATE|NPC|EVENT|LORE|TIME)\s+(.*?)\s*(STATE|NPC|EVENT|LORE|TIME)\s*-->`)

// looseOpenRE catches a tag the model opened but never closed, so a
// truncated response does not leak half a comment into the display text.
var looseOpenRE = regexp.MustCompile(`(?s)<!--\s*(STATE|NPC|EVENT|LORE|TIME)\s+[^>]*$`)

// Parse extracts every tag from a narrator response. The returned text
// has all tags removed and whitespace tidied; payloads that cannot be
// decoded are counted in Malformed but never abort the parse.
func Parse(raw string) *Result {
	res := &Result{}

	cleaned := tagRE.ReplaceAllStringFunc(raw, func(m string) string {
		sub := tagRE.FindStringSubmatch(m)
		name, body, closing := sub[1], strings.TrimSpace(sub[2]), sub[3]
		if closing != name {
			res.Malformed++
			return ""
		}
		if err := res.consume(name, body); err != nil {
			res.Malformed++
		}
		return ""
	})
	cleaned = looseOpenRE.ReplaceAllString(cleaned, "")

	res.Text = tidy(cleaned)
	return res
}

func (r *Result) consume(name, body string) error {
	switch name {
	case TagState:
		update, err := decodeObject(body)
		if err != nil {
			return err
		}
		if len(update) > 0 {
			r.StateUpdates = append(r.StateUpdates, update)
		}
	case TagNPC:
		var npcs []store.NPC
		if err := decodeObjectOrArray(body, &npcs); err != nil {
			return err
		}
		for _, n := range npcs {
			if strings.TrimSpace(n.Name) != "" {
				r.NPCs = append(r.NPCs, n)
			}
		}
	case TagEvent:
		var events []EventPayload
		if err := decodeObjectOrArray(body, &events); err != nil {
			return err
		}
		for _, e := range events {
			if strings.TrimSpace(e.Title) != "" {
				r.Events = append(r.Events, e)
			}
		}
	case TagLore:
		var lore []LorePayload
		if err := decodeObjectOrArray(body, &lore); err != nil {
			return err
		}
		for _, l := range lore {
			if strings.TrimSpace(l.Topic) != "" && strings.TrimSpace(l.Content) != "" {
				r.Lore = append(r.Lore, l)
			}
		}
	case TagTime:
		if body != "" {
			r.TimeTags = append(r.TimeTags, body)
		}
	}
	return nil
}

// decodeObject decodes one JSON object body, tolerating code fences and
// a truncated tail.
func decodeObject(body string) (map[string]any, error) {
	body = stripCodeFence(body)
	if body == "" {
		return nil, nil
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err == nil {
		return m, nil
	}

	repaired := repairObject(body)
	if repaired == "" {
		return nil, fmt.Errorf("extraction: unparseable object body")
	}
	if err := json.Unmarshal([]byte(repaired), &m); err != nil {
		return nil, fmt.Errorf("extraction: unparseable object body: %w", err)
	}
	return m, nil
}

// decodeObjectOrArray decodes a body that may be a single object or an
// array of them into a slice.
func decodeObjectOrArray(body string, out any) error {
	body = stripCodeFence(body)
	if body == "" {
		return nil
	}

	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), out); err == nil {
			return nil
		}
		// Salvage whatever complete objects survive in a broken array
		body = strings.TrimPrefix(body, "[")
	}

	var objects []string
	for _, m := range objectRE.FindAllString(body, -1) {
		objects = append(objects, m)
	}
	if len(objects) == 0 {
		if repaired := repairObject(body); repaired != "" {
			objects = append(objects, repaired)
		}
	}
	if len(objects) == 0 {
		return fmt.Errorf("extraction: no decodable objects in body")
	}

	joined := "[" + strings.Join(objects, ",") + "]"
	if err := json.Unmarshal([]byte(joined), out); err != nil {
		return fmt.Errorf("extraction: salvage failed: %w", err)
	}
	return nil
}

// objectRE matches one flat JSON object with no nested braces. Tag
// payloads are flat by convention, so this recovers elements of a
// damaged array.
var objectRE = regexp.MustCompile(`\{[^{}]*\}`)

// stripCodeFence removes a markdown code block wrapper the model
// sometimes adds around tag bodies.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// repairObject trims a truncated object back to its longest valid
// prefix: cut at each closing brace from the end until it parses.
func repairObject(body string) string {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") {
		if i := strings.Index(body, "{"); i >= 0 {
			body = body[i:]
		} else {
			return ""
		}
	}

	for end := len(body); end > 0; {
		i := strings.LastIndex(body[:end], "}")
		if i < 0 {
			break
		}
		candidate := body[:i+1]
		var m map[string]any
		if json.Unmarshal([]byte(candidate), &m) == nil {
			return candidate
		}
		// A dangling comma before the brace is the most common damage
		trimmed := strings.TrimRight(strings.TrimSpace(candidate[:i]), ",") + "}"
		if json.Unmarshal([]byte(trimmed), &m) == nil {
			return trimmed
		}
		end = i
	}
	return ""
}

// tidy collapses the whitespace holes left by tag removal.
var blankRunRE = regexp.MustCompile(`\n{3,}`)

func tidy(s string) string {
	s = blankRunRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
