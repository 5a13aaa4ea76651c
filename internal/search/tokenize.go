// Package search maintains the derived lexical index and answers hybrid
// full-text/semantic queries over the canonical store.
package search

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {},
	"to": {}, "in": {}, "is": {}, "it": {}, "for": {}, "on": {},
	"with": {}, "that": {}, "this": {},
}

// Tokenize lowercases s, splits on non-alphanumeric runes, and returns the
// distinct tokens in first-seen order. Single-rune tokens and stopwords are
// dropped.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}
