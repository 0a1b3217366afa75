// Package match provides the canonical text forms used across the state
// engine (key normalization, item base-name identity) and an Aho-Corasick
// matcher over state keys and roster names.
//
// A single canonicalizer serves both pattern compilation and text
// scanning; patterns and haystacks that disagree on normalization never
// match.
package match

import (
	"regexp"
	"strings"
	"unicode"
)

// NormalizeKey folds a map key to its canonical identity: spaces
// (including ideographic space) removed, fullwidth ASCII folded to
// halfwidth, parenthesis variants unified, middle-dot and dash variants
// each collapsed to one representative. Semantics are preserved; only
// character variants fold.
func NormalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))

	for _, r := range key {
		if r == ' ' || r == '　' {
			continue
		}
		switch r {
		case '（':
			r = '('
		case '）':
			r = ')'
		}
		// Fullwidth→halfwidth before the dot/dash folds so fullwidth
		// variants are caught too
		if r >= 0xFF01 && r <= 0xFF5E {
			r -= 0xFEE0
		}
		switch r {
		case '‧', '・', '•':
			r = '·'
		case '–', '-', 'ー':
			r = '—'
		}
		b.WriteRune(r)
	}
	return b.String()
}

var (
	qtySuffixRE = regexp.MustCompile(`\s*[x×]\d+$`)
	qualifierRE = regexp.MustCompile(`\s*[（(].*$`)
)

// BaseName strips status/quantity decorations from an item string:
// "blade — sealed" or "blade (rusty)" or "blade x3" all yield "blade".
func BaseName(item string) string {
	name := strings.TrimSpace(strings.SplitN(item, " — ", 2)[0])
	name = strings.TrimSpace(qtySuffixRE.ReplaceAllString(name, ""))
	name = strings.TrimSpace(qualifierRE.ReplaceAllString(name, ""))
	return name
}

// ParseItem splits a list-format item string into (base, qualifier) for
// map-format storage: "mirror — seals lesser spirits" becomes the pair
// ("mirror", "seals lesser spirits"); "charm×5" becomes ("charm", "×5");
// a bare name keeps an empty qualifier.
func ParseItem(item string) (string, string) {
	if strings.Contains(item, " — ") {
		parts := strings.SplitN(item, " — ", 2)
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}

	base := BaseName(item)
	rest := item
	if i := strings.Index(item, base); i >= 0 && base != "" {
		rest = item[i+len(base):]
	}
	remainder := strings.TrimSpace(rest)

	if strings.HasPrefix(remainder, "（") && strings.HasSuffix(remainder, "）") {
		remainder = remainder[len("（") : len(remainder)-len("）")]
	} else if strings.HasPrefix(remainder, "(") && strings.HasSuffix(remainder, ")") {
		remainder = remainder[1 : len(remainder)-1]
	}
	return base, remainder
}

// isJoiner reports punctuation that commonly appears inside names and
// item terms and must survive canonicalization ("O'Brien", "Jean-Luc",
// "死生之刃·日耀輪轉").
func isJoiner(r rune) bool {
	switch r {
	case '\'', '-', '·', '.', '_', '/', '#', '&':
		return true
	default:
		return false
	}
}

// Canonicalize transforms text into the matcher's normalized form:
// lowercase, fullwidth folded, apostrophe/dash/dot variants unified,
// joiners preserved, every other separator collapsed to a single space.
func Canonicalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	lastWasSpace := true // trims leading separators
	for _, ch := range s {
		c := unicode.ToLower(ch)
		if c >= 0xFF01 && c <= 0xFF5E {
			c -= 0xFEE0
		}
		switch c {
		case '’', '‘':
			c = '\''
		case '–', '—', 'ー':
			c = '-'
		case '‧', '・', '•':
			c = '·'
		}

		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			out.WriteRune(c)
			lastWasSpace = false
		} else if !lastWasSpace {
			out.WriteRune(' ')
			lastWasSpace = true
		}
	}

	result := out.String()
	if len(result) > 0 && result[len(result)-1] == ' ' {
		result = result[:len(result)-1]
	}
	return result
}
