package chunkstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndGet(t *testing.T) {
	s := New(Options{})
	descs, err := s.SaveChunks("abc123", []Chunk{
		{ID: "c1", Audio: []byte("one"), Text: "First."},
		{ID: "c2", Audio: []byte("second"), Text: "Second."},
	})
	require.NoError(t, err)
	require.Equal(t, []Descriptor{
		{ID: "c1", Text: "First.", URL: "/voice/chunk/abc123/c1", Size: 3},
		{ID: "c2", Text: "Second.", URL: "/voice/chunk/abc123/c2", Size: 6},
	}, descs)

	audio, err := s.GetChunk("abc123", "c2")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), audio)
}

func TestSessionIsolation(t *testing.T) {
	s := New(Options{})
	_, err := s.SaveChunks("session-a", []Chunk{{ID: "c1", Audio: []byte("a")}})
	require.NoError(t, err)

	_, err = s.GetChunk("session-b", "c1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.SaveChunks("session-b", []Chunk{{ID: "c1", Audio: []byte("b")}})
	require.NoError(t, err)
	a, _ := s.GetChunk("session-a", "c1")
	b, _ := s.GetChunk("session-b", "c1")
	require.Equal(t, "a", string(a))
	require.Equal(t, "b", string(b))
}

func TestChunksExpire(t *testing.T) {
	s := New(Options{TTL: 50 * time.Millisecond})
	_, err := s.SaveChunks("s1", []Chunk{{ID: "c1", Audio: []byte("x")}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := s.GetChunk("s1", "c1")
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClearSession(t *testing.T) {
	s := New(Options{})
	_, _ = s.SaveChunks("keep", []Chunk{{ID: "c1", Audio: []byte("k")}})
	_, _ = s.SaveChunks("drop", []Chunk{{ID: "c1", Audio: []byte("d")}, {ID: "c2", Audio: []byte("d")}})
	_, _ = s.SaveChunks("drop2", []Chunk{{ID: "c1", Audio: []byte("d")}})

	removed, err := s.ClearSession("drop")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = s.GetChunk("drop", "c1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetChunk("keep", "c1")
	require.NoError(t, err)
	_, err = s.GetChunk("drop2", "c1")
	require.NoError(t, err, "prefix match must stop at the separator")
}

func TestValidateID(t *testing.T) {
	valid := []string{"c1", "3f2a9c1d", "a-b_c", strings.Repeat("x", 64)}
	for _, id := range valid {
		require.NoError(t, ValidateID(id), id)
	}
	invalid := []string{"", "../etc", "a:b", "with space", "c1/c2", strings.Repeat("x", 65), "ünï"}
	for _, id := range invalid {
		require.ErrorIs(t, ValidateID(id), ErrInvalidID, id)
	}

	s := New(Options{})
	_, err := s.GetChunk("../x", "c1")
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = s.SaveChunks("ok", []Chunk{{ID: "bad id"}})
	require.ErrorIs(t, err, ErrInvalidID)
	require.Equal(t, 0, s.Len(), "nothing is written when an id is rejected")
}

func TestConcurrentSessions(t *testing.T) {
	s := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", i)
			_, err := s.SaveChunks(session, []Chunk{{ID: "c1", Audio: []byte(session)}})
			assert.NoError(t, err)
			audio, err := s.GetChunk(session, "c1")
			assert.NoError(t, err)
			assert.Equal(t, session, string(audio))
		}(i)
	}
	wg.Wait()
	require.Equal(t, 20, s.Len())
}
