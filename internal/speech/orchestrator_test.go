package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-tts/internal/chunkstore"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/language"
	"github.com/loqalabs/loqa-tts/internal/sentences"
	"github.com/loqalabs/loqa-tts/internal/textnorm"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/ttscache"
)

type fakeSynth struct {
	mu         sync.Mutex
	calls      []tts.SynthRequest
	failModels map[string]bool
	failText   string
	gate       chan struct{}
	delay      func(text string) time.Duration
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay != nil {
		time.Sleep(f.delay(req.Text))
	}
	if f.failModels[req.Model] || (f.failText != "" && strings.Contains(req.Text, f.failText)) {
		return nil, &tts.ProviderError{Provider: "fake", Model: req.Model, StatusCode: 500, Err: errors.New("boom")}
	}
	return []byte(req.Model + "|" + req.Text), nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRecorder struct {
	mu       sync.Mutex
	sessions []eventstore.Session
	events   []eventstore.Event
}

func (r *fakeRecorder) RecordSession(_ context.Context, s eventstore.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
	return nil
}

func (r *fakeRecorder) RecordEvent(_ context.Context, e eventstore.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *fakeRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeNotifier struct {
	manifests []Manifest
}

func (n *fakeNotifier) ChunksReady(_ context.Context, m Manifest) {
	n.manifests = append(n.manifests, m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("s%d", n.Add(1)) }
}

type fixture struct {
	orch   *Orchestrator
	synth  *fakeSynth
	cache  *ttscache.Cache
	chunks *chunkstore.Store
}

func newFixture(t *testing.T, synth *fakeSynth, opts ...Option) fixture {
	t.Helper()
	cache := ttscache.New(ttscache.Options{Logger: discardLogger()})
	chunks := chunkstore.New(chunkstore.Options{})
	cfg := Config{
		Model:         "gpt-4o-mini-tts",
		FallbackModel: "tts-1",
		Voice:         "alloy",
		Format:        "mp3",
		ApplyTone:     true,
	}
	opts = append([]Option{WithLogger(discardLogger()), WithSessionIDs(sequentialIDs())}, opts...)
	return fixture{
		orch:   New(cfg, synth, cache, chunks, opts...),
		synth:  synth,
		cache:  cache,
		chunks: chunks,
	}
}

func TestSpeakChunksTwoSentences(t *testing.T) {
	f := newFixture(t, &fakeSynth{})
	ctx := context.Background()
	text := "This is a test. It has two sentences."

	m, err := f.orch.SpeakChunks(ctx, ChunksRequest{Text: text, Language: "English", MaxSentences: 12})
	require.NoError(t, err)
	require.Equal(t, "s1", m.SessionID)
	require.Equal(t, text, m.Caption)
	require.Len(t, m.Chunks, 3)
	require.Equal(t, chunkstore.Descriptor{
		ID:   "c1",
		Text: "This is a test.",
		URL:  "/voice/chunk/s1/c1",
		Size: len("gpt-4o-mini-tts|This is a test."),
	}, m.Chunks[0])
	require.Equal(t, "It has two sentences.", m.Chunks[1].Text)
	require.Equal(t, "c3", m.Chunks[2].ID)
	require.Equal(t, language.Latin.Disclaimer, m.Chunks[2].Text)
	require.Empty(t, m.Failed)
	require.GreaterOrEqual(t, m.CacheStats.Misses, uint64(3))

	audio, err := f.chunks.GetChunk("s1", "c2")
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini-tts|It has two sentences.", string(audio))

	again, err := f.orch.SpeakChunks(ctx, ChunksRequest{Text: text, Language: "English", MaxSentences: 12})
	require.NoError(t, err)
	require.Equal(t, "s2", again.SessionID)
	require.GreaterOrEqual(t, again.CacheStats.Hits, uint64(3))
	require.Equal(t, 3, f.synth.callCount(), "repeat request must be served from cache")

	_, err = f.chunks.GetChunk("s2", "c1")
	require.NoError(t, err, "repeat request still gets fresh chunk entries")
}

func TestSpeakEmptyInput(t *testing.T) {
	f := newFixture(t, &fakeSynth{})
	res, err := f.orch.Speak(context.Background(), SpeakRequest{Text: "  \n "})
	require.NoError(t, err)
	require.Empty(t, res.Audio)
	require.Equal(t, "audio/mpeg", res.ContentType)
	require.Equal(t, 0, f.cache.Len())
	require.Equal(t, 0, f.synth.callCount())
}

func TestSpeakUsesNormalizedText(t *testing.T) {
	f := newFixture(t, &fakeSynth{})
	res, err := f.orch.Speak(context.Background(), SpeakRequest{Text: "**Hello** there"})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini-tts|Hello there.", string(res.Audio))
	require.False(t, res.Cached)

	_, ok := f.cache.Get("gpt-4o-mini-tts", "alloy", "Hello there.")
	require.True(t, ok, "cache is keyed by the normalized text")

	res, err = f.orch.Speak(context.Background(), SpeakRequest{Text: "Hello there."})
	require.NoError(t, err)
	require.True(t, res.Cached)
}

func TestSpeakFallsBackAndCachesUnderPrimary(t *testing.T) {
	synth := &fakeSynth{failModels: map[string]bool{"gpt-4o-mini-tts": true}}
	f := newFixture(t, synth)

	res, err := f.orch.Speak(context.Background(), SpeakRequest{Text: "Hello there"})
	require.NoError(t, err)
	require.Equal(t, "tts-1|Hello there.", string(res.Audio))
	require.Equal(t, 2, synth.callCount())

	res, err = f.orch.Speak(context.Background(), SpeakRequest{Text: "Hello there"})
	require.NoError(t, err)
	require.True(t, res.Cached)
	require.Equal(t, 2, synth.callCount())
}

func TestSpeakReportsEveryAttempt(t *testing.T) {
	synth := &fakeSynth{failModels: map[string]bool{"gpt-4o-mini-tts": true, "tts-1": true}}
	f := newFixture(t, synth)

	_, err := f.orch.Speak(context.Background(), SpeakRequest{Text: "Hello there"})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSynthesisFailed)

	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	require.Len(t, synthErr.Attempts, 2)
	require.Equal(t, "gpt-4o-mini-tts", synthErr.Attempts[0].Model)
	require.Equal(t, "tts-1", synthErr.Attempts[1].Model)

	var provErr *tts.ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, 500, provErr.StatusCode)
	require.Equal(t, 0, f.cache.Len(), "failed synthesis must not be cached")
}

func TestSpeakChunksPartialFailure(t *testing.T) {
	rec := &fakeRecorder{}
	f := newFixture(t, &fakeSynth{failText: "broken"}, WithRecorder(rec))

	m, err := f.orch.SpeakChunks(context.Background(), ChunksRequest{
		Text: "This is fine. This one is broken. Last sentence ok.",
	})
	require.NoError(t, err)
	require.Len(t, m.Failed, 1)
	require.Equal(t, "c2", m.Failed[0].ID)
	require.Equal(t, "This one is broken.", m.Failed[0].Text)
	require.Contains(t, m.Failed[0].Error, "boom")

	ids := make([]string, 0, len(m.Chunks))
	for _, c := range m.Chunks {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"c1", "c3", "c4"}, ids)

	_, err = f.chunks.GetChunk(m.SessionID, "c2")
	require.ErrorIs(t, err, chunkstore.ErrNotFound)

	require.Equal(t, []string{
		eventstore.EventChunkSynthesized,
		eventstore.EventChunkFailed,
		eventstore.EventChunkSynthesized,
		eventstore.EventChunkSynthesized,
	}, rec.types())
	require.Equal(t, 1, rec.sessions[0].Failed)
}

func TestSpeakChunksAllFail(t *testing.T) {
	synth := &fakeSynth{failModels: map[string]bool{"gpt-4o-mini-tts": true, "tts-1": true}}
	f := newFixture(t, synth)

	_, err := f.orch.SpeakChunks(context.Background(), ChunksRequest{Text: "First sentence here. Second sentence here."})
	require.ErrorIs(t, err, ErrSynthesisFailed)
	require.Equal(t, 0, f.chunks.Len())
}

func TestSpeakChunksEmpty(t *testing.T) {
	f := newFixture(t, &fakeSynth{})
	m, err := f.orch.SpeakChunks(context.Background(), ChunksRequest{Text: ""})
	require.NoError(t, err)
	require.Empty(t, m.Chunks)
	require.NotNil(t, m.Chunks)
	require.Equal(t, 0, f.synth.callCount())
}

func TestSpeakChunksCallerGone(t *testing.T) {
	synth := &fakeSynth{gate: make(chan struct{})}
	f := newFixture(t, synth)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.SpeakChunks(ctx, ChunksRequest{Text: "This is a test. It has two sentences."})
		done <- err
	}()

	require.Eventually(t, func() bool { return synth.callCount() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	close(synth.gate)

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("SpeakChunks did not return")
	}
	require.Equal(t, 3, f.cache.Len(), "in-flight synthesis still fills the cache")
	require.Equal(t, 0, f.chunks.Len(), "nothing is stored for a departed caller")
}

func TestSpeakChunksKeepsOrder(t *testing.T) {
	synth := &fakeSynth{delay: func(text string) time.Duration {
		// Earlier sentences finish last.
		return time.Duration(200-len(text)) * time.Microsecond * 50
	}}
	f := newFixture(t, synth)

	var parts []string
	for i := 1; i <= 8; i++ {
		parts = append(parts, fmt.Sprintf("Sentence %s here.", strings.Repeat("x", i*3)))
	}
	m, err := f.orch.SpeakChunks(context.Background(), ChunksRequest{Text: strings.Join(parts, " ")})
	require.NoError(t, err)
	require.Len(t, m.Chunks, 9)
	for i, p := range parts {
		require.Equal(t, fmt.Sprintf("c%d", i+1), m.Chunks[i].ID)
		require.Equal(t, p, m.Chunks[i].Text)
	}
}

func TestConcurrentMissesShareOneCall(t *testing.T) {
	synth := &fakeSynth{gate: make(chan struct{})}
	f := newFixture(t, synth)

	var wg sync.WaitGroup
	results := make([]SpeakResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.orch.Speak(context.Background(), SpeakRequest{Text: "Same sentence for everyone."})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(synth.gate)
	wg.Wait()

	require.Equal(t, 1, synth.callCount())
	for _, res := range results {
		require.Equal(t, "gpt-4o-mini-tts|Same sentence for everyone.", string(res.Audio))
	}
	require.EqualValues(t, 1, f.cache.Stats().TotalGenerations)
}

func TestSpeakChunksLongTextKeepsCaption(t *testing.T) {
	f := newFixture(t, &fakeSynth{})
	sentence := "The quick brown fox jumps over the lazy dog again."
	var parts []string
	for utf8.RuneCountInString(strings.Join(parts, " ")) < 2000 {
		parts = append(parts, sentence)
	}
	text := strings.Join(parts, " ")

	m, err := f.orch.SpeakChunks(context.Background(), ChunksRequest{Text: text, MaxChars: 900, MaxSentences: 100})
	require.NoError(t, err)
	require.Equal(t, text, m.Caption)

	var spoken []string
	for _, c := range m.Chunks {
		spoken = append(spoken, c.Text)
	}
	joined := strings.Join(spoken, " ")
	require.Contains(t, joined, "See below for more details.")
	body := strings.SplitN(joined, " See below for more details.", 2)[0]
	require.LessOrEqual(t, utf8.RuneCountInString(body), 900)
}

func TestNotifierSeesStoredManifest(t *testing.T) {
	n := &fakeNotifier{}
	f := newFixture(t, &fakeSynth{}, WithNotifier(n))
	m, err := f.orch.SpeakChunks(context.Background(), ChunksRequest{Text: "This is a test. It has two sentences."})
	require.NoError(t, err)
	require.Len(t, n.manifests, 1)
	require.Equal(t, m.SessionID, n.manifests[0].SessionID)
}

func TestBengaliChunks(t *testing.T) {
	f := newFixture(t, &fakeSynth{})
	m, err := f.orch.SpeakChunks(context.Background(), ChunksRequest{
		Text:     "আপনার জ্বর আছে\nবিশ্রাম নিন এবং পানি পান করুন",
		Language: "bn",
	})
	require.NoError(t, err)
	require.Len(t, m.Chunks, 3)
	require.Equal(t, "আপনার জ্বর আছে।", m.Chunks[0].Text)
	require.Equal(t, language.Bengali.Disclaimer, m.Chunks[2].Text)
}

func TestLimitsReportDefaults(t *testing.T) {
	f := newFixture(t, &fakeSynth{})
	require.Equal(t, Limits{
		LineLimit:     textnorm.DefaultLineLimit,
		MinFragment:   sentences.DefaultMinFragment,
		MaxSentences:  sentences.DefaultMaxSentences,
		MaxVoiceChars: textnorm.DefaultSummaryChars,
		ChunkTTL:      chunkstore.DefaultTTL,
	}, f.orch.Limits())
}

func TestLimitsReflectConfig(t *testing.T) {
	chunks := chunkstore.New(chunkstore.Options{TTL: 90 * time.Second})
	orch := New(Config{
		Model:         "tts-1",
		LineLimit:     40,
		MinFragment:   3,
		MaxSentences:  5,
		MaxVoiceChars: 200,
	}, &fakeSynth{}, ttscache.New(ttscache.Options{Logger: discardLogger()}), chunks, WithLogger(discardLogger()))

	require.Equal(t, Limits{
		LineLimit:     40,
		MinFragment:   3,
		MaxSentences:  5,
		MaxVoiceChars: 200,
		ChunkTTL:      90 * time.Second,
	}, orch.Limits())
}
