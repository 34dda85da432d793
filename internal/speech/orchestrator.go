// Package speech turns assistant replies into cached, chunked audio.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/loqa-tts/internal/chunkstore"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/language"
	"github.com/loqalabs/loqa-tts/internal/sentences"
	"github.com/loqalabs/loqa-tts/internal/textnorm"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/ttscache"
)

type Config struct {
	Model         string
	FallbackModel string
	Voice         string
	Format        string

	MaxVoiceChars   int
	MaxSentences    int
	MinFragment     int
	LineLimit       int
	DefaultLanguage string
	ApplyTone       bool

	MaxConcurrency int
	SynthTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Format == "" {
		c.Format = "mp3"
	}
	if c.MaxVoiceChars <= 0 {
		c.MaxVoiceChars = textnorm.DefaultSummaryChars
	}
	if c.MaxSentences <= 0 {
		c.MaxSentences = sentences.DefaultMaxSentences
	}
	if c.LineLimit <= 0 {
		c.LineLimit = textnorm.DefaultLineLimit
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = language.Latin.Name
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.SynthTimeout <= 0 {
		c.SynthTimeout = 30 * time.Second
	}
	return c
}

// Recorder receives the speech timeline. *eventstore.Store implements it.
type Recorder interface {
	RecordSession(ctx context.Context, sess eventstore.Session) error
	RecordEvent(ctx context.Context, evt eventstore.Event) error
}

// Notifier is told about every manifest that was stored.
type Notifier interface {
	ChunksReady(ctx context.Context, m Manifest)
}

type Option func(*Orchestrator)

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithSessionIDs replaces the session id generator. Generated ids must pass
// chunkstore.ValidateID.
func WithSessionIDs(next func() string) Option {
	return func(o *Orchestrator) {
		if next != nil {
			o.newSessionID = next
		}
	}
}

func WithLanguages(reg *language.Registry) Option {
	return func(o *Orchestrator) {
		if reg != nil {
			o.languages = reg
		}
	}
}

// Orchestrator owns no state of its own beyond the injected cache and chunk
// store; it is safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	synth  tts.Synthesizer
	cache  *ttscache.Cache
	chunks *chunkstore.Store

	normalizer *textnorm.Normalizer
	splitter   *sentences.Splitter
	languages  *language.Registry

	log          *slog.Logger
	recorder     Recorder
	notifier     Notifier
	newSessionID func() string
	tracer       trace.Tracer
	inflight     singleflight.Group
}

func New(cfg Config, synth tts.Synthesizer, cache *ttscache.Cache, chunks *chunkstore.Store, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:          cfg,
		synth:        synth,
		cache:        cache,
		chunks:       chunks,
		normalizer:   textnorm.New(textnorm.Options{LineLimit: cfg.LineLimit}),
		splitter:     sentences.New(cfg.MinFragment),
		languages:    language.Default(),
		log:          slog.Default(),
		newSessionID: uuid.NewString,
		tracer:       otel.Tracer("github.com/loqalabs/loqa-tts/speech"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(slog.String("component", "speech"))
	return o
}

// SpeakRequest is a single-shot synthesis request. Empty fields select the
// configured defaults.
type SpeakRequest struct {
	Text     string
	Voice    string
	Format   string
	Language string
}

type SpeakResult struct {
	Audio       []byte
	Format      string
	ContentType string
	Cached      bool
}

// Speak normalizes text and returns audio for all of it. Empty normalized
// text yields an empty result and no cache entry.
func (o *Orchestrator) Speak(ctx context.Context, req SpeakRequest) (SpeakResult, error) {
	ctx, span := o.tracer.Start(ctx, "speech.Speak")
	defer span.End()

	voice := o.voice(req.Voice)
	format := o.format(req.Format)
	result := SpeakResult{Format: format, ContentType: tts.ContentType(format)}

	profile := o.languages.Lookup(o.languageName(req.Language))
	text := o.normalizer.Normalize(req.Text, profile)
	if text == "" {
		return result, nil
	}
	span.SetAttributes(
		attribute.String("tts.voice", voice),
		attribute.Int("speech.chars", utf8.RuneCountInString(text)),
	)

	out := o.synthesize(ctx, voice, format, text)
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, "synthesis failed")
		o.log.Warn("speak failed", slog.String("text", preview(text)), slog.String("error", out.err.Error()))
		return SpeakResult{}, out.err
	}
	result.Audio = out.audio
	result.Cached = out.cached
	return result, nil
}

// ChunksRequest asks for sentence-level audio. Zero limits select the
// configured defaults.
type ChunksRequest struct {
	Text         string
	Voice        string
	Language     string
	MaxChars     int
	MaxSentences int
}

// ChunkFailure names a sentence that could not be synthesized.
type ChunkFailure struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Error string `json:"error"`
}

type Manifest struct {
	SessionID  string                  `json:"sessionId"`
	Chunks     []chunkstore.Descriptor `json:"chunks"`
	Failed     []ChunkFailure          `json:"failed,omitempty"`
	Caption    string                  `json:"caption"`
	CacheStats ttscache.Stats          `json:"cacheStats"`
}

// SpeakChunks synthesizes the speakable summary of text sentence by
// sentence, stores the audio under a new session and returns the manifest.
// Sentences that fail are listed in Failed; only when every sentence fails
// is an error returned. If ctx ends first, in-flight synthesis still fills
// the cache but nothing is stored and ctx.Err() is returned.
func (o *Orchestrator) SpeakChunks(ctx context.Context, req ChunksRequest) (Manifest, error) {
	ctx, span := o.tracer.Start(ctx, "speech.SpeakChunks")
	defer span.End()

	maxChars := req.MaxChars
	if maxChars <= 0 {
		maxChars = o.cfg.MaxVoiceChars
	}
	maxSentences := req.MaxSentences
	if maxSentences <= 0 {
		maxSentences = o.cfg.MaxSentences
	}
	voice := o.voice(req.Voice)
	profile := o.languages.Lookup(o.languageName(req.Language))

	speakable, caption := textnorm.ExtractSummary(req.Text, maxChars)
	normalized := o.normalizer.Normalize(speakable, profile)
	lines := o.splitter.Split(normalized, profile, maxSentences)
	if o.cfg.ApplyTone && len(lines) > 0 {
		lines = sentences.ApplyTone(lines, profile)
	}

	manifest := Manifest{
		SessionID: o.newSessionID(),
		Chunks:    []chunkstore.Descriptor{},
		Caption:   caption,
	}
	span.SetAttributes(
		attribute.String("speech.session_id", manifest.SessionID),
		attribute.String("speech.language", profile.Name),
		attribute.Int("speech.sentences", len(lines)),
	)
	if len(lines) == 0 {
		manifest.CacheStats = o.cache.Stats()
		return manifest, nil
	}

	results := make([]synthResult, len(lines))
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrency)
	for i, line := range lines {
		g.Go(func() error {
			results[i] = o.synthesize(ctx, voice, o.cfg.Format, line)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		o.log.Info("chunked speech abandoned by caller", slog.String("session_id", manifest.SessionID))
		return Manifest{}, err
	}

	var (
		stored   []chunkstore.Chunk
		failures []ChunkFailure
		attempts []Attempt
	)
	for i, res := range results {
		id := fmt.Sprintf("c%d", i+1)
		if res.err != nil {
			failures = append(failures, ChunkFailure{ID: id, Text: lines[i], Error: res.err.Error()})
			var synthErr *SynthesisError
			if errors.As(res.err, &synthErr) {
				attempts = append(attempts, synthErr.Attempts...)
			}
			continue
		}
		stored = append(stored, chunkstore.Chunk{ID: id, Audio: res.audio, Text: lines[i]})
	}

	if len(stored) == 0 {
		err := &SynthesisError{Attempts: attempts}
		span.RecordError(err)
		span.SetStatus(codes.Error, "all sentences failed")
		o.record(ctx, manifest.SessionID, voice, profile, lines, results)
		return Manifest{}, err
	}

	descs, err := o.chunks.SaveChunks(manifest.SessionID, stored)
	if err != nil {
		return Manifest{}, fmt.Errorf("save chunks: %w", err)
	}
	manifest.Chunks = descs
	manifest.Failed = failures
	manifest.CacheStats = o.cache.Stats()

	if len(failures) > 0 {
		o.log.Warn("chunked speech partially failed",
			slog.String("session_id", manifest.SessionID),
			slog.Int("failed", len(failures)),
			slog.Int("chunks", len(descs)))
	}
	o.record(ctx, manifest.SessionID, voice, profile, lines, results)
	if o.notifier != nil {
		o.notifier.ChunksReady(ctx, manifest)
	}
	return manifest, nil
}

// ClearSession drops stored chunks for a session.
func (o *Orchestrator) ClearSession(sessionID string) (int, error) {
	return o.chunks.ClearSession(sessionID)
}

// Chunk returns stored audio for one chunk.
func (o *Orchestrator) Chunk(sessionID, chunkID string) ([]byte, error) {
	return o.chunks.GetChunk(sessionID, chunkID)
}

// Limits are the effective text shaping limits after defaults are applied.
type Limits struct {
	LineLimit     int
	MinFragment   int
	MaxSentences  int
	MaxVoiceChars int
	ChunkTTL      time.Duration
}

func (o *Orchestrator) Limits() Limits {
	return Limits{
		LineLimit:     o.normalizer.LineLimit(),
		MinFragment:   o.splitter.MinFragment(),
		MaxSentences:  o.cfg.MaxSentences,
		MaxVoiceChars: o.cfg.MaxVoiceChars,
		ChunkTTL:      o.chunks.TTL(),
	}
}

// CacheStats returns a snapshot of the synthesis cache counters.
func (o *Orchestrator) CacheStats() ttscache.Stats { return o.cache.Stats() }

// ClearCache empties the synthesis cache and resets its counters.
func (o *Orchestrator) ClearCache() { o.cache.Clear() }

// ChunkContentType is the MIME type of stored chunks.
func (o *Orchestrator) ChunkContentType() string { return tts.ContentType(o.cfg.Format) }

type synthResult struct {
	audio    []byte
	cached   bool
	model    string
	duration time.Duration
	err      error
}

// synthesize serves text from the cache or walks the model plan. Keys always
// use the primary model so audio from the fallback is found next time.
// Concurrent misses for the same key share one backend call.
func (o *Orchestrator) synthesize(ctx context.Context, voice, format, text string) synthResult {
	cacheModel := o.cacheModel(format)
	if audio, ok := o.cache.Get(cacheModel, voice, text); ok {
		return synthResult{audio: audio, cached: true, model: o.cfg.Model}
	}

	key := ttscache.Key(cacheModel, voice, text)
	v, err, _ := o.inflight.Do(key, func() (any, error) {
		res, err := o.runPlan(ctx, voice, format, text)
		if err != nil {
			return nil, err
		}
		o.cache.Set(cacheModel, voice, text, res.audio, res.duration)
		return res, nil
	})
	if err != nil {
		return synthResult{err: err}
	}
	return v.(synthResult)
}

func (o *Orchestrator) runPlan(ctx context.Context, voice, format, text string) (synthResult, error) {
	ctx, span := o.tracer.Start(ctx, "speech.synthesize")
	defer span.End()

	var attempts []Attempt
	for _, model := range o.plan() {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SynthTimeout)
		start := time.Now()
		audio, err := o.synth.Synthesize(callCtx, tts.SynthRequest{
			Model:  model,
			Voice:  voice,
			Text:   text,
			Format: format,
		})
		took := time.Since(start)
		cancel()
		if err == nil && len(audio) == 0 {
			err = errEmptyAudio
		}
		if err == nil {
			span.SetAttributes(attribute.String("tts.model", model), attribute.Int("tts.attempts", len(attempts)+1))
			return synthResult{audio: audio, model: model, duration: took}, nil
		}
		attempts = append(attempts, Attempt{Model: model, Err: err})
		o.log.Warn("synthesis attempt failed",
			slog.String("model", model),
			slog.String("text", preview(text)),
			slog.String("error", err.Error()))
	}
	err := &SynthesisError{Attempts: attempts}
	span.RecordError(err)
	span.SetStatus(codes.Error, "synthesis failed")
	return synthResult{}, err
}

func (o *Orchestrator) plan() []string {
	models := []string{o.cfg.Model}
	if fb := o.cfg.FallbackModel; fb != "" && fb != o.cfg.Model {
		models = append(models, fb)
	}
	return models
}

// cacheModel folds a non-default output format into the model segment of
// the cache key so different encodings never collide.
func (o *Orchestrator) cacheModel(format string) string {
	if format == o.cfg.Format {
		return o.cfg.Model
	}
	return o.cfg.Model + "." + format
}

func (o *Orchestrator) record(ctx context.Context, sessionID, voice string, profile *language.Profile, lines []string, results []synthResult) {
	if o.recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	traceID := ""
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	failed := 0
	for _, res := range results {
		if res.err != nil {
			failed++
		}
	}
	sess := eventstore.Session{ID: sessionID, Voice: voice, Language: profile.Name, Chunks: len(lines) - failed, Failed: failed}
	if err := o.recorder.RecordSession(ctx, sess); err != nil {
		o.log.Warn("failed to record speech session", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}
	for i, res := range results {
		evt := eventstore.Event{
			SessionID:  sessionID,
			ChunkID:    fmt.Sprintf("c%d", i+1),
			TraceID:    traceID,
			Model:      res.model,
			Size:       len(res.audio),
			DurationMS: res.duration.Milliseconds(),
		}
		switch {
		case res.err != nil:
			evt.Type = eventstore.EventChunkFailed
			evt.Error = res.err.Error()
		case res.cached:
			evt.Type = eventstore.EventChunkCached
		default:
			evt.Type = eventstore.EventChunkSynthesized
		}
		if err := o.recorder.RecordEvent(ctx, evt); err != nil {
			o.log.Warn("failed to record speech event", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			return
		}
	}
}

func (o *Orchestrator) voice(v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return o.cfg.Voice
}

func (o *Orchestrator) format(f string) string {
	if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
		return f
	}
	return o.cfg.Format
}

func (o *Orchestrator) languageName(name string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return o.cfg.DefaultLanguage
}

// preview keeps log lines short and avoids logging whole replies.
func preview(text string) string {
	const max = 50
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	return string([]rune(text)[:max]) + "..."
}
