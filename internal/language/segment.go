package language

import (
	"strings"
	"unicode"
)

// closers may trail a terminal and stay attached to the sentence it ends.
const closers = `"')]}”’»`

// Segments splits text at sentence terminals, keeping each terminal run
// attached to the clause before it. Empty segments are dropped.
func (p *Profile) Segments(text string) []string {
	rs := []rune(text)
	n := len(rs)
	var out []string
	start := 0
	for i := 0; i < n; {
		if !p.IsTerminal(rs[i]) {
			i++
			continue
		}
		j := i
		for j < n && p.IsTerminal(rs[j]) {
			j++
		}
		for j < n && strings.ContainsRune(closers, rs[j]) {
			j++
		}
		if !p.SplitNeedsSpace || j == n || unicode.IsSpace(rs[j]) {
			if seg := strings.TrimSpace(string(rs[start:j])); seg != "" {
				out = append(out, seg)
			}
			start = j
		}
		i = j
	}
	if tail := strings.TrimSpace(string(rs[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

// HasTerminal reports whether s ends with a sentence terminal, ignoring
// trailing closers.
func (p *Profile) HasTerminal(s string) bool {
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(closers, r)
	})
	if s == "" {
		return false
	}
	rs := []rune(s)
	return p.IsTerminal(rs[len(rs)-1])
}

// Close appends the default terminal unless s already ends with a sentence
// terminal. Unlike Terminate it ignores line endings that do not split.
func (p *Profile) Close(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || p.HasTerminal(s) {
		return s
	}
	return s + string(p.DefaultTerminal)
}
