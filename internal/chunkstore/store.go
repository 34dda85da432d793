// Package chunkstore holds per-session audio chunks for a short time so
// clients can fetch them one by one after receiving a manifest.
package chunkstore

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultMaxEntries = 10000
	DefaultTTL        = 10 * time.Minute

	// URLPrefix is the fetch path prefix for stored chunks.
	URLPrefix = "/voice/chunk/"
)

var (
	ErrInvalidID = errors.New("invalid session or chunk id")
	ErrNotFound  = errors.New("chunk not found or expired")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID rejects ids that could not have been issued by the store.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Chunk is one unit of audio to be stored.
type Chunk struct {
	ID    string
	Audio []byte
	Text  string
}

// Descriptor is what callers receive in place of audio.
type Descriptor struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	URL  string `json:"url"`
	Size int    `json:"size"`
}

// Options configure a Store. Zero values select the defaults.
type Options struct {
	MaxEntries int
	TTL        time.Duration
}

// Store is safe for concurrent use by many sessions.
type Store struct {
	entries *expirable.LRU[string, []byte]
	ttl     time.Duration
}

func New(opts Options) *Store {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Store{
		entries: expirable.NewLRU[string, []byte](opts.MaxEntries, nil, opts.TTL),
		ttl:     opts.TTL,
	}
}

func key(sessionID, chunkID string) string {
	return sessionID + ":" + chunkID
}

// URL builds the fetch handle for a chunk.
func URL(sessionID, chunkID string) string {
	return URLPrefix + sessionID + "/" + chunkID
}

// SaveChunks stores every chunk under the session and returns descriptors in
// the same order. Ids are validated before anything is written.
func (s *Store) SaveChunks(sessionID string, chunks []Chunk) ([]Descriptor, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if err := ValidateID(c.ID); err != nil {
			return nil, err
		}
	}

	out := make([]Descriptor, 0, len(chunks))
	for _, c := range chunks {
		s.entries.Add(key(sessionID, c.ID), c.Audio)
		out = append(out, Descriptor{
			ID:   c.ID,
			Text: c.Text,
			URL:  URL(sessionID, c.ID),
			Size: len(c.Audio),
		})
	}
	return out, nil
}

// GetChunk returns ErrNotFound both for unknown and expired chunks.
func (s *Store) GetChunk(sessionID, chunkID string) ([]byte, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	if err := ValidateID(chunkID); err != nil {
		return nil, err
	}
	audio, ok := s.entries.Get(key(sessionID, chunkID))
	if !ok {
		return nil, ErrNotFound
	}
	return audio, nil
}

// ClearSession removes every chunk of the session and reports how many were
// dropped.
func (s *Store) ClearSession(sessionID string) (int, error) {
	if err := ValidateID(sessionID); err != nil {
		return 0, err
	}
	prefix := sessionID + ":"
	removed := 0
	for _, k := range s.entries.Keys() {
		if strings.HasPrefix(k, prefix) && s.entries.Remove(k) {
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored chunks across sessions.
func (s *Store) Len() int { return s.entries.Len() }

// TTL returns how long chunks live after being saved.
func (s *Store) TTL() time.Duration { return s.ttl }
