// Package moderation owns account moderation: the role state machine
// (promote, demote, ban, unban), the warning counter with its automatic ban,
// and an optional content filter applied to message bodies before they are
// accepted.
package moderation

import (
	"strings"
	"unicode"
)

// Filter reasons reported in FilterResult.Reason.
const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// FilterResult is the outcome of Filter.Check. Term names the matched
// blocklist entry or spam check.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// defaultTerms is the built-in blocklist: harassment and common scam bait.
var defaultTerms = []string{
	"kys",
	"kill yourself",
	"go die",
	"send nudes",
	"child porn",
	"bomb threat",
	"free bitcoin",
	"crypto giveaway",
	"wire me money",
}

// leetMap undoes common character substitutions before keyword lookup.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// Filter screens text against a keyword blocklist and the spam checks. It is
// immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{} // single-word terms
	phrases []string            // multi-word terms, space separated
}

// NewFilter returns a Filter using the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a Filter for the given terms. Blank terms are
// ignored; matching is case-insensitive and on whole words.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		fields := strings.Fields(strings.ToLower(term))
		switch len(fields) {
		case 0:
			continue
		case 1:
			f.words[fields[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(fields, " "))
		}
	}
	return f
}

// Check screens text. Blocklist matches take priority over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if res := f.checkTerms(tokenizePlain(text)); res.Blocked {
		return res
	}

	leet := tokenizeLeet(text)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if res := f.checkTerms(leet); res.Blocked {
		return res
	}

	return f.checkSpamPatterns(text)
}

func (f *Filter) checkTerms(tokens []string) FilterResult {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: tok}
		}
	}
	if len(f.phrases) == 0 || len(tokens) < 2 {
		return FilterResult{}
	}

	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: p}
		}
	}
	return FilterResult{}
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet is like tokenizePlain but keeps the symbols of leetMap inside
// tokens so they can be normalised afterwards.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if _, ok := leetMap[r]; ok {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if m, ok := leetMap[r]; ok {
			return m
		}
		return r
	}, s)
}
