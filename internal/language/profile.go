// Package language holds the punctuation and phrasing rules the speech
// pipeline needs for each supported language.
package language

import (
	"strings"
	"sync"
	"unicode"
)

// Profile describes how text in one language is punctuated and spoken.
type Profile struct {
	Name    string
	Aliases []string

	// Terminals end a sentence when splitting.
	Terminals []rune
	// LineEndings are accepted as a valid line end during normalization.
	LineEndings     []rune
	DefaultTerminal rune
	// SplitNeedsSpace requires whitespace (or end of text) after a terminal
	// before it counts as a sentence boundary. Keeps "3.5" and "e.g." intact.
	SplitNeedsSpace bool

	// PauseWords are natural break points for overlong lines, in addition
	// to commas.
	PauseWords []string

	Disclaimer       string
	DisclaimerMarker string
	SeeMore          string
}

var Latin = &Profile{
	Name:             "English",
	Aliases:          []string{"english", "en", "latin"},
	Terminals:        []rune{'.', '?', '!'},
	LineEndings:      []rune{'.', '?', '!'},
	DefaultTerminal:  '.',
	SplitNeedsSpace:  true,
	Disclaimer:       "Remember, this is for informational purposes only. Please consult a doctor if needed.",
	DisclaimerMarker: "informational purposes",
	SeeMore:          "See below for more details.",
}

var Bengali = &Profile{
	Name:             "Bengali",
	Aliases:          []string{"bengali", "bangla", "bn"},
	Terminals:        []rune{'।', '?', '!'},
	LineEndings:      []rune{'।', '?', '.', '!'},
	DefaultTerminal:  '।',
	PauseWords:       []string{"এবং", "কিন্তু", "তবে"},
	Disclaimer:       "মনে রাখবেন, এটি শুধুমাত্র তথ্যমূলক। কোনো সমস্যা হলে ডাক্তারের পরামর্শ নিন।",
	DisclaimerMarker: "মনে রাখবেন, এটি শুধুমাত্র",
	SeeMore:          "আরো বিস্তারিত নিচে দেখুন।",
}

// IsTerminal reports whether r ends a sentence in this profile.
func (p *Profile) IsTerminal(r rune) bool {
	return containsRune(p.Terminals, r)
}

// EndsLine reports whether s already ends with an accepted line ending.
func (p *Profile) EndsLine(s string) bool {
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(closers, r)
	})
	if s == "" {
		return false
	}
	runes := []rune(s)
	return containsRune(p.LineEndings, runes[len(runes)-1])
}

// Terminate appends the default terminal unless s already ends a line.
func (p *Profile) Terminate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || p.EndsLine(s) {
		return s
	}
	return s + string(p.DefaultTerminal)
}

func containsRune(set []rune, r rune) bool {
	for _, c := range set {
		if c == r {
			return true
		}
	}
	return false
}

// Registry resolves language names to profiles.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Profile
	fallback *Profile
}

// NewRegistry returns a registry with the given fallback and profiles.
func NewRegistry(fallback *Profile, profiles ...*Profile) *Registry {
	r := &Registry{byName: make(map[string]*Profile), fallback: fallback}
	r.Register(fallback)
	for _, p := range profiles {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a profile under its name and aliases.
func (r *Registry) Register(p *Profile) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[strings.ToLower(p.Name)] = p
	for _, alias := range p.Aliases {
		r.byName[strings.ToLower(alias)] = p
	}
}

// Lookup is case-insensitive and returns the fallback for unknown names.
func (r *Registry) Lookup(name string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return r.fallback
}

var defaultRegistry = NewRegistry(Latin, Bengali)

// Default returns the process-wide registry with the built-in profiles.
func Default() *Registry { return defaultRegistry }

// Lookup resolves name against the default registry.
func Lookup(name string) *Profile { return defaultRegistry.Lookup(name) }

// Detect guesses the profile from script: any Bengali rune or dari mark
// selects Bengali.
func Detect(text string) *Profile {
	for _, r := range text {
		if r == '।' || unicode.Is(unicode.Bengali, r) {
			return Bengali
		}
	}
	return Latin
}
