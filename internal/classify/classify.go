// Package classify maps market titles to signal categories using a fixed,
// ordered keyword table.
package classify

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Category is the topical bucket of a signal.
type Category string

const (
	Politics Category = "politics"
	Crypto   Category = "crypto"
	Sports   Category = "sports"
	Science  Category = "science"
	Culture  Category = "culture"
	Social   Category = "social"
)

// Rule pairs a category with the keywords that select it.
type Rule struct {
	Category Category
	Keywords []string
}

// Rules is evaluated top to bottom; the first rule with a matching keyword
// wins, even if a later rule would match more keywords.
var Rules = []Rule{
	{Politics, []string{"election", "president", "congress", "senate", "governor", "vote", "trump", "biden", "democrat", "republican"}},
	{Crypto, []string{"bitcoin", "ethereum", "crypto", "btc", "eth", "token", "defi", "nft"}},
	{Sports, []string{"nfl", "nba", "mlb", "super bowl", "championship", "playoffs", "world series", "mvp", "game"}},
	{Science, []string{"ai", "gpt", "openai", "spacex", "fda", "climate", "vaccine", "research"}},
	{Culture, []string{"oscar", "grammy", "emmy", "taylor swift", "movie", "album", "tiktok", "viral"}},
}

// Classify returns the category of title, or Social when nothing matches.
// Keywords match case-insensitively at the start of a word, so "president"
// matches "Presidential" but "ai" does not match "rain".
func Classify(title string) Category {
	lower := strings.ToLower(title)
	for _, rule := range Rules {
		for _, kw := range rule.Keywords {
			if containsWordPrefix(lower, kw) {
				return rule.Category
			}
		}
	}
	return Social
}

func containsWordPrefix(s, kw string) bool {
	for offset := 0; offset <= len(s)-len(kw); {
		i := strings.Index(s[offset:], kw)
		if i < 0 {
			return false
		}
		at := offset + i
		if prev, _ := utf8.DecodeLastRuneInString(s[:at]); at == 0 || !isWordRune(prev) {
			return true
		}
		offset = at + 1
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
