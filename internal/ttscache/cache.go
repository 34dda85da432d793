// Package ttscache keeps synthesized audio keyed by model, voice and text.
package ttscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxEntries = 1000
	DefaultTTL        = 24 * time.Hour
)

// Options configure a Cache. Zero values select the defaults.
type Options struct {
	MaxEntries int
	TTL        time.Duration
	Meter      metric.Meter
	Logger     *slog.Logger
}

// Stats is a consistent snapshot of cache counters.
type Stats struct {
	Size                    int     `json:"size"`
	Capacity                int     `json:"capacity"`
	Hits                    uint64  `json:"hits"`
	Misses                  uint64  `json:"misses"`
	HitRatePercent          float64 `json:"hitRatePercent"`
	TotalRequests           uint64  `json:"totalRequests"`
	AverageGenerationMillis float64 `json:"averageGenerationMillis"`
	TotalGenerations        uint64  `json:"totalGenerations"`
	TTLSeconds              int64   `json:"ttlSeconds"`
}

// Cache is safe for concurrent use. Entries expire TTL after insertion and
// the least recently used entry is evicted once MaxEntries is exceeded.
type Cache struct {
	entries  *expirable.LRU[string, []byte]
	capacity int
	ttl      time.Duration
	log      *slog.Logger

	mu          sync.Mutex
	hits        uint64
	misses      uint64
	generations uint64
	genTotal    time.Duration

	hitCounter  metric.Int64Counter
	missCounter metric.Int64Counter
	genHist     metric.Float64Histogram
}

func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("github.com/loqalabs/loqa-tts/ttscache")
	}
	c := &Cache{
		entries:  expirable.NewLRU[string, []byte](opts.MaxEntries, nil, opts.TTL),
		capacity: opts.MaxEntries,
		ttl:      opts.TTL,
		log:      opts.Logger.With(slog.String("component", "tts-cache")),
	}
	if err := c.initMetrics(opts.Meter); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c
}

// Key derives the cache key: model and voice in the clear, text as the
// first 16 bytes of its SHA-256 digest.
func Key(model, voice, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + voice + ":" + hex.EncodeToString(sum[:16])
}

// Get returns cached audio. The returned slice is shared and must not be
// modified.
func (c *Cache) Get(model, voice, text string) ([]byte, bool) {
	audio, ok := c.entries.Get(Key(model, voice, text))

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if ok {
		c.add(c.hitCounter)
	} else {
		c.add(c.missCounter)
	}
	return audio, ok
}

// Set stores audio and records how long it took to generate. Empty audio is
// ignored.
func (c *Cache) Set(model, voice, text string, audio []byte, took time.Duration) {
	if len(audio) == 0 {
		return
	}
	c.mu.Lock()
	c.entries.Add(Key(model, voice, text), audio)
	c.generations++
	c.genTotal += took
	c.mu.Unlock()

	if c.genHist != nil {
		c.genHist.Record(context.Background(), float64(took)/float64(time.Millisecond))
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int { return c.entries.Len() }

// Stats returns a snapshot of the counters. Size and the generation
// counters are read under the same lock that Set and Clear hold.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:             c.entries.Len(),
		Capacity:         c.capacity,
		Hits:             c.hits,
		Misses:           c.misses,
		TotalRequests:    c.hits + c.misses,
		TotalGenerations: c.generations,
		TTLSeconds:       int64(c.ttl / time.Second),
	}
	if s.TotalRequests > 0 {
		s.HitRatePercent = round2(float64(c.hits) * 100 / float64(s.TotalRequests))
	}
	if c.generations > 0 {
		avg := float64(c.genTotal) / float64(c.generations) / float64(time.Millisecond)
		s.AverageGenerationMillis = round2(avg)
	}
	return s
}

// Clear drops every entry and resets the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries.Purge()
	c.hits, c.misses, c.generations, c.genTotal = 0, 0, 0, 0
	c.mu.Unlock()

	c.log.Info("tts cache cleared")
}

func (c *Cache) add(counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(context.Background(), 1)
	}
}

func (c *Cache) initMetrics(meter metric.Meter) error {
	var err error
	if c.hitCounter, err = meter.Int64Counter("loqa.tts.cache.hits", metric.WithDescription("TTS cache hits")); err != nil {
		return err
	}
	if c.missCounter, err = meter.Int64Counter("loqa.tts.cache.misses", metric.WithDescription("TTS cache misses")); err != nil {
		return err
	}
	if c.genHist, err = meter.Float64Histogram("loqa.tts.generation.duration",
		metric.WithDescription("Time spent synthesizing audio on cache misses"),
		metric.WithUnit("ms")); err != nil {
		return err
	}
	size, err := meter.Int64ObservableGauge("loqa.tts.cache.entries", metric.WithDescription("Live TTS cache entries"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(size, int64(c.entries.Len()))
		return nil
	}, size)
	return err
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
