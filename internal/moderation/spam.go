package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// Bare domains need a trailing path so "v2.0" and "3.14" stay clean.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Anchored on whitespace so short numbers inside sentences do not match.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

const (
	charFloodRun = 5 // identical consecutive characters
	wordFloodRun = 3 // identical consecutive words, case-insensitive
)

type spamCheck struct {
	name  string
	match func(string) bool
}

// spamChecks run in order; the first match wins.
var spamChecks = []spamCheck{
	{name: "url", match: urlPattern.MatchString},
	{name: "phone", match: phonePattern.MatchString},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// SpamCheckNames lists the spam checks in evaluation order.
func SpamCheckNames() []string {
	names := make([]string, len(spamChecks))
	for i, sc := range spamChecks {
		names[i] = sc.name
	}
	return names
}

// RE2 has no backreferences, so both flood checks are linear scans.
func hasCharFlood(text string) bool {
	run := 0
	prev := rune(-1)
	for _, r := range text {
		if r != prev {
			run, prev = 1, r
			continue
		}
		run++
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

func hasWordFlood(text string) bool {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < wordFloodRun {
		return false
	}

	run := 0
	prev := ""
	for _, w := range words {
		w = strings.ToLower(w)
		if w != prev {
			run, prev = 1, w
			continue
		}
		run++
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: ReasonSpamPattern, Term: sc.name}
		}
	}
	return FilterResult{}
}
