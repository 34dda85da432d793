// Package sentences segments normalized text into speakable sentences.
package sentences

import (
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-tts/internal/language"
)

const (
	DefaultMinFragment  = 8
	DefaultMaxSentences = 12
)

// Splitter is stateless apart from its minimum fragment length.
type Splitter struct {
	minFragment int
}

func New(minFragment int) *Splitter {
	if minFragment <= 0 {
		minFragment = DefaultMinFragment
	}
	return &Splitter{minFragment: minFragment}
}

// MinFragment returns the shortest sentence the splitter emits on its own.
func (s *Splitter) MinFragment() int { return s.minFragment }

// Split breaks text at the profile's terminals, keeping punctuation with the
// clause before it. Fragments shorter than the minimum join the previous
// sentence; leading short fragments accumulate forward until the minimum is
// met. At most maxSentences are returned and the last kept sentence is
// terminated when the sequence was cut.
func (s *Splitter) Split(text string, p *language.Profile, maxSentences int) []string {
	if p == nil {
		p = language.Latin
	}
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSentences
	}

	var (
		out     []string
		pending string
	)
	for _, frag := range p.Segments(text) {
		if pending != "" {
			frag = pending + " " + frag
			pending = ""
		}
		if utf8.RuneCountInString(frag) >= s.minFragment {
			out = append(out, frag)
			continue
		}
		if len(out) > 0 {
			out[len(out)-1] += " " + frag
			continue
		}
		pending = frag
	}
	if pending != "" {
		// Only reachable when nothing reached the minimum.
		out = append(out, pending)
	}

	if len(out) > maxSentences {
		out = out[:maxSentences]
		out[maxSentences-1] = p.Close(out[maxSentences-1])
	}
	return out
}

// ApplyTone returns sentences with the profile disclaimer appended, unless a
// sentence already carries the disclaimer marker. The input is not modified.
func ApplyTone(sentences []string, p *language.Profile) []string {
	if p == nil {
		p = language.Latin
	}
	out := make([]string, len(sentences), len(sentences)+1)
	copy(out, sentences)
	if p.Disclaimer == "" || HasDisclaimer(sentences, p) {
		return out
	}
	return append(out, p.Disclaimer)
}

// HasDisclaimer reports whether any sentence contains the profile marker,
// ignoring case.
func HasDisclaimer(sentences []string, p *language.Profile) bool {
	marker := strings.ToLower(p.DisclaimerMarker)
	if marker == "" {
		return false
	}
	for _, s := range sentences {
		if strings.Contains(strings.ToLower(s), marker) {
			return true
		}
	}
	return false
}
