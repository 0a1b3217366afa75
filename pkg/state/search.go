package state

import (
	"sort"
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/match"
)

// Scoring weights: a keyword landing on the entry key is worth far more
// than one buried in content.
const (
	scoreKey     = 10
	scoreTags    = 5
	scoreContent = 1
)

// DefaultCategoryOrder fixes the grouping order of search output. Schema
// categories not listed sort after these, alphabetically.
var DefaultCategoryOrder = []string{"inventory", "ability", "npc", "relationship", "mission", "system"}

var englishStopwords = stopwords.MustGet("en")

// functionWords narrows the stopword check to closed-class English
// words. The library's full list also covers content words ("face",
// "right", "back") that a retrieval query needs to keep.
var functionWords = map[string]bool{
	"the": true, "an": true, "and": true, "or": true, "but": true,
	"nor": true, "so": true, "yet": true, "of": true, "to": true,
	"in": true, "on": true, "at": true, "by": true, "for": true,
	"with": true, "from": true, "into": true, "onto": true,
	"over": true, "under": true, "about": true, "after": true,
	"before": true, "between": true, "through": true, "during": true,
	"as": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "am": true, "do": true,
	"does": true, "did": true, "have": true, "has": true, "had": true,
	"will": true, "would": true, "shall": true, "should": true,
	"can": true, "could": true, "may": true, "might": true,
	"must": true, "it": true, "its": true, "he": true, "him": true,
	"his": true, "she": true, "her": true, "hers": true, "they": true,
	"them": true, "their": true, "theirs": true, "we": true,
	"us": true, "our": true, "ours": true, "you": true, "your": true,
	"yours": true, "me": true, "my": true, "mine": true, "this": true,
	"that": true, "these": true, "those": true, "there": true,
	"here": true, "who": true, "whom": true, "whose": true,
	"which": true, "what": true, "when": true, "where": true,
	"why": true, "how": true, "if": true, "then": true, "than": true,
	"not": true, "no": true, "too": true, "any": true, "some": true,
	"each": true, "every": true, "all": true, "both": true,
	"such": true, "while": true, "because": true, "until": true,
	"against": true, "again": true, "once": true, "just": true,
	"only": true, "also": true, "very": true,
}

// isStopword filters query tokens down to the ISO list's closed-class
// subset.
func isStopword(token string) bool {
	return functionWords[token] && englishStopwords.Contains(token)
}

// SearchResult is one scored index hit.
type SearchResult struct {
	Entry *store.IndexEntry
	Score int
}

// SearchOptions bounds a search. Budget is an approximate token budget
// for the formatted output; zero means unlimited.
type SearchOptions struct {
	Budget     int
	Categories []string // restrict to these categories; empty means all

	// Matcher, when set, detects explicit key mentions in the query
	// (must-include entries). Without one, a substring check is used.
	Matcher *match.Matcher
}

// ExtractKeywords derives match keywords from free text: CJK runs yield
// bigrams and trigrams, everything else yields lowercase word tokens
// with stopwords removed.
func ExtractKeywords(query string) []string {
	seen := make(map[string]bool)
	var keywords []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keywords = append(keywords, k)
		}
	}

	var cjk []rune
	flushCJK := func() {
		for n := 2; n <= 3; n++ {
			for i := 0; i+n <= len(cjk); i++ {
				add(string(cjk[i : i+n]))
			}
		}
		cjk = cjk[:0]
	}

	var word []rune
	flushWord := func() {
		if len(word) >= 2 {
			token := strings.ToLower(string(word))
			if !isStopword(token) {
				add(token)
			}
		}
		word = word[:0]
	}

	for _, r := range query {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()

	return keywords
}

// Search scores index entries against a query and returns hits grouped
// by category in DefaultCategoryOrder, best score first within each
// category. Entries whose key appears verbatim in the query are always
// included, ahead of the token budget.
func Search(entries []*store.IndexEntry, query string, opts SearchOptions) []SearchResult {
	if query == "" {
		return nil
	}
	keywords := ExtractKeywords(query)

	allowed := map[string]bool{}
	for _, c := range opts.Categories {
		allowed[c] = true
	}

	canonicalQuery := match.Canonicalize(query)
	mentioned := map[string]bool{}
	if opts.Matcher != nil {
		for _, k := range opts.Matcher.Keys(query) {
			mentioned[k] = true
		}
	}

	var hits []SearchResult
	var forced []SearchResult
	for _, e := range entries {
		if len(allowed) > 0 && !allowed[e.Category] {
			continue
		}

		// Explicit mention always surfaces the entry.
		explicit := mentioned[e.Key]
		if !explicit && opts.Matcher == nil && e.Key != "" {
			explicit = strings.Contains(canonicalQuery, match.Canonicalize(e.Key))
		}
		if explicit {
			forced = append(forced, SearchResult{Entry: e, Score: scoreKey * 2})
			continue
		}

		score := scoreEntry(e, keywords)
		if score > 0 {
			hits = append(hits, SearchResult{Entry: e, Score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	budget := opts.Budget
	spend := func(r SearchResult) bool {
		if budget <= 0 {
			return true
		}
		cost := approxTokens(r.Entry.Key) + approxTokens(r.Entry.Content)
		if cost > budget {
			return false
		}
		budget -= cost
		return true
	}

	selected := forced
	for _, h := range hits {
		if opts.Budget > 0 && budget <= 0 {
			break
		}
		if spend(h) {
			selected = append(selected, h)
		}
	}

	sortGrouped(selected)
	return selected
}

func scoreEntry(e *store.IndexEntry, keywords []string) int {
	key := match.Canonicalize(e.Key)
	tags := match.Canonicalize(e.Tags)
	content := match.Canonicalize(e.Content)

	score := 0
	for _, kw := range keywords {
		k := match.Canonicalize(kw)
		if k == "" {
			continue
		}
		if strings.Contains(key, k) {
			score += scoreKey
		}
		if strings.Contains(tags, k) {
			score += scoreTags
		}
		if strings.Contains(content, k) {
			score += scoreContent
		}
	}
	return score
}

// sortGrouped orders results by category rank, then score descending,
// then key for stability.
func sortGrouped(results []SearchResult) {
	rank := make(map[string]int, len(DefaultCategoryOrder))
	for i, c := range DefaultCategoryOrder {
		rank[c] = i
	}
	catRank := func(c string) int {
		if r, ok := rank[c]; ok {
			return r
		}
		return len(DefaultCategoryOrder)
	}
	sort.SliceStable(results, func(i, j int) bool {
		ci, cj := results[i].Entry.Category, results[j].Entry.Category
		if catRank(ci) != catRank(cj) {
			return catRank(ci) < catRank(cj)
		}
		if ci != cj {
			return ci < cj
		}
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.Key < results[j].Entry.Key
	})
}

// FormatResults renders grouped results as prompt-ready lines.
func FormatResults(results []SearchResult) string {
	var b strings.Builder
	current := ""
	for _, r := range results {
		if r.Entry.Category != current {
			if current != "" {
				b.WriteString("\n")
			}
			current = r.Entry.Category
			b.WriteString("## " + current + "\n")
		}
		b.WriteString("- " + r.Entry.Key)
		if r.Entry.Content != "" {
			b.WriteString(": " + r.Entry.Content)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// approxTokens estimates token cost: CJK runes count one each, ASCII
// text roughly one per four characters.
func approxTokens(s string) int {
	cjk, ascii := 0, 0
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			cjk++
		} else {
			ascii++
		}
	}
	return cjk + (ascii+3)/4
}
