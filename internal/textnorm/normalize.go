// Package textnorm turns assistant text into a canonical, speech-safe form.
package textnorm

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-tts/internal/language"
)

// DefaultLineLimit is the soft cap on a spoken line, in runes.
const DefaultLineLimit = 180

var (
	fencePattern  = regexp.MustCompile("(?s)```.*?```")
	markerPattern = regexp.MustCompile(`^\s*(?:(?:[-•*]|#{1,6})\s+)+`)
	boldPattern   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicPattern = regexp.MustCompile(`\*(.+?)\*`)
	codePattern   = regexp.MustCompile("`([^`]*)`")
	strayReplacer = strings.NewReplacer("*", "", "`", "")
)

// Options tune the normalizer.
type Options struct {
	LineLimit int
}

// Normalizer is safe for concurrent use; it holds no mutable state.
type Normalizer struct {
	lineLimit int
}

func New(opts Options) *Normalizer {
	if opts.LineLimit <= 1 {
		opts.LineLimit = DefaultLineLimit
	}
	return &Normalizer{lineLimit: opts.LineLimit}
}

var std = New(Options{})

// Normalize cleans text with the default line limit.
func Normalize(text string, p *language.Profile) string {
	return std.Normalize(text, p)
}

// LineLimit returns the configured soft limit.
func (n *Normalizer) LineLimit() int { return n.lineLimit }

// Normalize strips markdown, collapses whitespace, terminates sentences for
// the profile and breaks overlong sentences at natural pauses. Empty or
// whitespace-only input yields "".
func (n *Normalizer) Normalize(text string, p *language.Profile) string {
	if p == nil {
		p = language.Latin
	}
	if strings.TrimSpace(text) == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = fencePattern.ReplaceAllString(text, "")

	blocks := n.blocks(text, p)
	if len(blocks) == 0 {
		return ""
	}
	joined := strings.Join(strings.Fields(strings.Join(blocks, " ")), " ")

	var out []string
	for _, sentence := range p.Segments(joined) {
		if utf8.RuneCountInString(sentence) <= n.lineLimit {
			out = append(out, sentence)
			continue
		}
		out = append(out, n.breakLong(sentence, p)...)
	}
	return p.Terminate(strings.Join(out, " "))
}

// blocks groups lines into speakable units. Bullet items and paragraphs
// each become one terminated block; every Bengali line is its own block.
func (n *Normalizer) blocks(text string, p *language.Profile) []string {
	var (
		blocks  []string
		current []string
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		if block := p.Terminate(strings.Join(current, " ")); block != "" {
			blocks = append(blocks, block)
		}
		current = current[:0]
	}

	perLine := p != language.Latin && !p.SplitNeedsSpace
	for _, raw := range strings.Split(text, "\n") {
		line, bullet := stripMarkers(raw)
		if line == "" {
			flush()
			continue
		}
		if bullet {
			flush()
			current = append(current, line)
			flush()
			continue
		}
		current = append(current, line)
		if perLine {
			flush()
		}
	}
	flush()
	return blocks
}

// stripMarkers removes list and heading markers from a raw line and cleans
// inline markdown. Markers are stripped again after cleaning so a marker
// wrapped in emphasis or a code span ("`- x`", "**-**") does not survive.
func stripMarkers(raw string) (string, bool) {
	bullet := markerPattern.MatchString(raw)
	line := cleanInline(markerPattern.ReplaceAllString(raw, ""))
	if markerPattern.MatchString(line) {
		bullet = true
		line = markerPattern.ReplaceAllString(line, "")
	}
	return line, bullet
}

func cleanInline(line string) string {
	line = boldPattern.ReplaceAllString(line, "$1")
	line = italicPattern.ReplaceAllString(line, "$1")
	line = codePattern.ReplaceAllString(line, "$1")
	line = strayReplacer.Replace(line)
	return strings.Join(strings.Fields(line), " ")
}

// breakLong packs pause-delimited parts greedily into pieces that fit the
// limit, closing each piece with the profile terminal.
func (n *Normalizer) breakLong(sentence string, p *language.Profile) []string {
	room := n.lineLimit - 1
	var (
		pieces []string
		cur    string
	)
	flush := func() {
		s := strings.TrimRight(strings.TrimSpace(cur), ", ")
		if s != "" {
			pieces = append(pieces, p.Close(s))
		}
		cur = ""
	}
	add := func(part string) {
		candidate := part
		if cur != "" {
			candidate = cur + " " + part
		}
		if utf8.RuneCountInString(candidate) <= room {
			cur = candidate
			return
		}
		flush()
		cur = part
	}

	for _, part := range pauseParts(sentence, p) {
		if utf8.RuneCountInString(part) <= room {
			add(part)
			continue
		}
		for _, word := range strings.Fields(part) {
			add(word)
		}
	}
	flush()
	return pieces
}

// pauseParts splits after commas and before the profile's pause words.
func pauseParts(sentence string, p *language.Profile) []string {
	var (
		parts []string
		cur   []string
	)
	emit := func() {
		if len(cur) > 0 {
			parts = append(parts, strings.Join(cur, " "))
			cur = nil
		}
	}
	for _, word := range strings.Fields(sentence) {
		if len(cur) > 0 && isPauseWord(word, p) {
			emit()
		}
		cur = append(cur, word)
		if strings.HasSuffix(word, ",") {
			emit()
		}
	}
	emit()
	return parts
}

func isPauseWord(word string, p *language.Profile) bool {
	for _, pw := range p.PauseWords {
		if word == pw {
			return true
		}
	}
	return false
}
