package match

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/coregx/ahocorasick"
)

// Term is one dictionary entry: a canonical key plus the surface forms
// that should resolve to it.
type Term struct {
	Key      string
	Label    string
	Category string
	Aliases  []string
}

// Hit is one detected mention. Offsets are positions in the
// canonicalized text.
type Hit struct {
	Key      string
	Category string
	Surface  string
	Start    int
	End      int
}

// Matcher scans free text for known state keys and roster names with a
// single Aho-Corasick automaton. Compile once per dictionary change,
// scan many times.
type Matcher struct {
	ac          *ahocorasick.Automaton
	patterns    []string
	patternIdx  map[string]int
	patternKeys [][]string
	terms       map[string]Term
}

// Compile builds a Matcher from terms. Every label and alias is
// canonicalized; multiword names in the "npc" category additionally get
// first/last-name short forms so partial mentions still resolve.
func Compile(terms []Term) (*Matcher, error) {
	m := &Matcher{
		patternIdx: make(map[string]int),
		terms:      make(map[string]Term, len(terms)),
	}

	for _, t := range terms {
		if t.Key == "" {
			continue
		}
		m.terms[t.Key] = t

		surfaces := make([]string, 0, 2+len(t.Aliases))
		if t.Label != "" {
			surfaces = append(surfaces, t.Label)
		} else {
			surfaces = append(surfaces, t.Key)
		}
		surfaces = append(surfaces, t.Aliases...)
		surfaces = append(surfaces, shortForms(t)...)

		for _, surface := range surfaces {
			key := Canonicalize(surface)
			if key == "" {
				continue
			}
			if idx, ok := m.patternIdx[key]; ok {
				m.patternKeys[idx] = appendUnique(m.patternKeys[idx], t.Key)
			} else {
				idx := len(m.patterns)
				m.patterns = append(m.patterns, key)
				m.patternIdx[key] = idx
				m.patternKeys = append(m.patternKeys, []string{t.Key})
			}
		}
	}

	if len(m.patterns) == 0 {
		return m, nil
	}

	// LeftmostLongest prefers "iron sword" over "sword"
	ac, err := ahocorasick.NewBuilder().
		AddStrings(m.patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	m.ac = ac
	return m, nil
}

// shortForms derives partial-name aliases for multiword NPC labels:
// "Mira Thorn" also answers to "Thorn" and "Mira".
func shortForms(t Term) []string {
	if t.Category != "npc" {
		return nil
	}
	tokens := strings.Fields(Canonicalize(t.Label))
	if len(tokens) <= 1 {
		return nil
	}
	first, last := tokens[0], tokens[len(tokens)-1]
	var out []string
	if utf8.RuneCountInString(last) >= 3 {
		out = append(out, last)
	}
	if utf8.RuneCountInString(first) >= 4 && first != last {
		out = append(out, first)
	}
	return out
}

// Scan finds all term mentions in text. The haystack is canonicalized
// with the same function the patterns were, and matches that split an
// ASCII word are dropped.
func (m *Matcher) Scan(text string) []Hit {
	if m.ac == nil {
		return nil
	}

	canon := Canonicalize(text)
	matches := m.ac.FindAllOverlapping([]byte(canon))

	hits := make([]Hit, 0, len(matches))
	for _, match := range matches {
		if !boundaryOK(canon, match.Start, match.End) {
			continue
		}
		for _, key := range m.patternKeys[match.PatternID] {
			t := m.terms[key]
			hits = append(hits, Hit{
				Key:      key,
				Category: t.Category,
				Surface:  canon[match.Start:match.End],
				Start:    match.Start,
				End:      match.End,
			})
		}
	}
	return hits
}

// Keys returns the distinct term keys mentioned in text, in order of
// first appearance.
func (m *Matcher) Keys(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range m.Scan(text) {
		if !seen[h.Key] {
			seen[h.Key] = true
			out = append(out, h.Key)
		}
	}
	return out
}

// Known reports whether a surface form is an exact dictionary entry.
func (m *Matcher) Known(surface string) bool {
	_, ok := m.patternIdx[Canonicalize(surface)]
	return ok
}

// boundaryOK rejects matches whose edges split an ASCII word ("axe"
// inside "flaxen"). CJK runs carry no separators, so only ASCII word
// runes on both sides of an edge reject a match.
func boundaryOK(s string, start, end int) bool {
	if start > 0 {
		prev, _ := utf8.DecodeLastRuneInString(s[:start])
		cur, _ := utf8.DecodeRuneInString(s[start:])
		if asciiWord(prev) && asciiWord(cur) {
			return false
		}
	}
	if end < len(s) {
		last, _ := utf8.DecodeLastRuneInString(s[:end])
		next, _ := utf8.DecodeRuneInString(s[end:])
		if asciiWord(last) && asciiWord(next) {
			return false
		}
	}
	return true
}

func asciiWord(r rune) bool {
	return r < 128 && (r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
}

func appendUnique(slice []string, item string) []string {
	for _, s := range slice {
		if s == item {
			return slice
		}
	}
	return append(slice, item)
}
