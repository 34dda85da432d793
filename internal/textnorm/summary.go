package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-tts/internal/language"
)

// DefaultSummaryChars bounds the spoken summary, in runes.
const DefaultSummaryChars = 900

// ExtractSummary keeps whole leading sentences up to maxChars runes. When
// less than half of the text survives, a pointer to the written caption is
// appended in the detected language. Caption is always the full text.
func ExtractSummary(text string, maxChars int) (speakable, caption string) {
	if maxChars <= 0 {
		maxChars = DefaultSummaryChars
	}
	caption = text
	text = strings.TrimSpace(text)
	if text == "" {
		return "", caption
	}
	total := utf8.RuneCountInString(text)
	if total <= maxChars {
		return text, caption
	}

	profile := language.Detect(text)
	var kept string
	for _, sentence := range sentenceRuns(text) {
		candidate := sentence
		if kept != "" {
			candidate = kept + " " + sentence
		}
		if utf8.RuneCountInString(candidate) > maxChars {
			break
		}
		kept = candidate
	}
	if kept == "" {
		kept = hardCut(text, maxChars-1, profile)
	}

	speakable = kept
	if utf8.RuneCountInString(kept)*2 < total {
		speakable = kept + " " + profile.SeeMore
	}
	return speakable, caption
}

// sentenceRuns splits at any of .?!। followed by whitespace, independent of
// the profile so mixed-script replies still break cleanly.
func sentenceRuns(text string) []string {
	rs := []rune(text)
	var out []string
	start := 0
	for i, r := range rs {
		if !isSummaryTerminal(r) {
			continue
		}
		if i+1 < len(rs) && !unicode.IsSpace(rs[i+1]) {
			continue
		}
		if seg := strings.TrimSpace(string(rs[start : i+1])); seg != "" {
			out = append(out, seg)
		}
		start = i + 1
	}
	if tail := strings.TrimSpace(string(rs[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func isSummaryTerminal(r rune) bool {
	switch r {
	case '.', '?', '!', '।':
		return true
	}
	return false
}

// hardCut trims text to at most limit runes, backing off to a word boundary
// when one exists, and terminates the result.
func hardCut(text string, limit int, p *language.Profile) string {
	if limit < 1 {
		limit = 1
	}
	rs := []rune(text)
	if len(rs) > limit {
		rs = rs[:limit]
	}
	cut := string(rs)
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > 0 {
		cut = cut[:idx]
	}
	cut = strings.TrimRight(strings.TrimSpace(cut), ",;:")
	return p.Terminate(cut)
}
