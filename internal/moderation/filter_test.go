package moderation

import (
	"strings"
	"testing"
)

type filterCase struct {
	name    string
	input   string
	blocked bool
	term    string
}

func runFilterCases(t *testing.T, f *Filter, wantReason string, cases []filterCase) {
	t.Helper()
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			res := f.Check(tt.input)
			if res.Blocked != tt.blocked {
				t.Fatalf("Check(%q).Blocked = %v, want %v (reason=%q term=%q)",
					tt.input, res.Blocked, tt.blocked, res.Reason, res.Term)
			}
			if !tt.blocked {
				return
			}
			if tt.term != "" && res.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, res.Term, tt.term)
			}
			if wantReason != "" && res.Reason != wantReason {
				t.Errorf("Check(%q).Reason = %q, want %q", tt.input, res.Reason, wantReason)
			}
		})
	}
}

func TestNewFilterDefaultsNotEmpty(t *testing.T) {
	f := NewFilter()
	if len(f.words) == 0 || len(f.phrases) == 0 {
		t.Fatalf("default filter has %d words and %d phrases", len(f.words), len(f.phrases))
	}
}

func TestNewFilterWithTermsSkipsBlank(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "   ", "Scam", "  wire   me  "})
	if _, ok := f.words["scam"]; !ok {
		t.Error("expected lowercased single word")
	}
	if len(f.words) != 1 {
		t.Errorf("words = %d, want 1", len(f.words))
	}
	if len(f.phrases) != 1 || f.phrases[0] != "wire me" {
		t.Errorf("phrases = %q, want [\"wire me\"]", f.phrases)
	}
}

func TestCheckKeywords(t *testing.T) {
	f := NewFilterWithTerms([]string{"scam", "rugpull"})
	runFilterCases(t, f, ReasonBlockedKeyword, []filterCase{
		{"exact", "scam", true, "scam"},
		{"in sentence", "this is a scam honestly", true, "scam"},
		{"upper case", "SCAM", true, "scam"},
		{"punctuation", "total scam!", true, "scam"},
		{"prefix word is fine", "scampi for dinner", false, ""},
		{"embedded is fine", "noscam", false, ""},
		{"clean", "see you tomorrow", false, ""},
	})
}

func TestCheckPhrases(t *testing.T) {
	f := NewFilterWithTerms([]string{"go die", "send nudes"})
	runFilterCases(t, f, ReasonBlockedKeyword, []filterCase{
		{"exact", "go die", true, "go die"},
		{"in sentence", "just go die already", true, "go die"},
		{"punctuated", "send, nudes?", true, "send nudes"},
		{"separated", "go and die", false, ""},
		{"longer word", "go diet", false, ""},
	})
}

func TestCheckLeetspeak(t *testing.T) {
	f := NewFilterWithTerms([]string{"scam", "rugpull"})
	runFilterCases(t, f, ReasonBlockedKeyword, []filterCase{
		{"dollar for s", "$cam", true, "scam"},
		{"at for a", "sc@m", true, "scam"},
		{"digits", "5c4m", true, "scam"},
		{"one for l is not mapped", "rugpu11", false, ""},
		{"plain spelling", "rugpull", true, "rugpull"},
	})
}

func TestCheckDefaultBlocklist(t *testing.T) {
	f := NewFilter()
	for _, text := range []string{"kys", "please go die", "free bitcoin here", "bomb threat"} {
		if !f.Check(text).Blocked {
			t.Errorf("Check(%q) not blocked", text)
		}
	}
	for _, text := range []string{"hello, how are you?", "the grape harvest was great", "I need to assess this", ""} {
		if res := f.Check(text); res.Blocked {
			t.Errorf("Check(%q) blocked (term=%q)", text, res.Term)
		}
	}
}

func TestNormalizeLeet(t *testing.T) {
	tests := map[string]string{
		"hello":  "hello",
		"h3ll0":  "hello",
		"$c@m":   "scam",
		"n0":     "no",
		"ch@ng3": "change",
	}
	for in, want := range tests {
		if got := normalizeLeet(in); got != want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		plain []string
		leet  []string
	}{
		{"hello world", []string{"hello", "world"}, []string{"hello", "world"}},
		{"hello---world", []string{"hello", "world"}, []string{"hello", "world"}},
		{"sc@m $ite", []string{"sc", "m", "ite"}, []string{"sc@m", "$ite"}},
		{"", nil, nil},
	}
	for _, tt := range tests {
		if got := tokenizePlain(tt.input); strings.Join(got, "|") != strings.Join(tt.plain, "|") {
			t.Errorf("tokenizePlain(%q) = %q, want %q", tt.input, got, tt.plain)
		}
		if got := tokenizeLeet(tt.input); strings.Join(got, "|") != strings.Join(tt.leet, "|") {
			t.Errorf("tokenizeLeet(%q) = %q, want %q", tt.input, got, tt.leet)
		}
	}
}

func BenchmarkCheck(b *testing.B) {
	f := NewFilter()
	msg := "hey, are we still on for lunch tomorrow? I found a new ramen place near the office."
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}

func BenchmarkCheckLong(b *testing.B) {
	f := NewFilter()
	msg := strings.Repeat("a perfectly ordinary sentence about nothing in particular. ", 40)
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}
