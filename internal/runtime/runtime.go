package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-tts/internal/api"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/chunkstore"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/speech"
	"github.com/loqalabs/loqa-tts/internal/speechbus"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/ttscache"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	metrics       http.Handler

	events    *eventstore.Store
	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	busSvc    *speechbus.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	mux, err := r.build(ctx)
	if err != nil {
		cancel()
		r.wg.Wait()
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("tts_mode", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)
	return nil
}

// build wires the speech components and returns the routed mux.
func (r *Runtime) build(ctx context.Context) (*http.ServeMux, error) {
	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.events = events
	if events.Enabled() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			events.RunPruner(ctx, pruneInterval)
		}()
	}

	synth, err := newSynthesizer(r.cfg.TTS)
	if err != nil {
		return nil, err
	}
	synth = tts.NewRateLimited(synth, r.cfg.TTS.RateLimitRPS, r.cfg.TTS.RateLimitBurst)

	cache := ttscache.New(ttscache.Options{
		MaxEntries: r.cfg.Cache.MaxEntries,
		TTL:        r.cfg.Cache.TTL(),
		Meter:      otel.Meter("github.com/loqalabs/loqa-tts/ttscache"),
		Logger:     r.logger,
	})
	chunks := chunkstore.New(chunkstore.Options{
		MaxEntries: r.cfg.Chunks.MaxEntries,
		TTL:        r.cfg.Chunks.TTL(),
	})

	opts := []speech.Option{speech.WithLogger(r.logger)}
	if events.Enabled() {
		opts = append(opts, speech.WithRecorder(events))
	}
	if r.cfg.TTS.BusEnabled {
		if err := r.connectBus(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, speech.WithNotifier(speechbus.NewPublisher(r.busClient.Conn(), r.logger)))
	}

	orch := speech.New(speech.Config{
		Model:           r.cfg.TTS.Model,
		FallbackModel:   r.cfg.TTS.FallbackModel,
		Voice:           r.cfg.TTS.Voice,
		Format:          r.cfg.TTS.Format,
		MaxVoiceChars:   r.cfg.Speech.MaxVoiceChars,
		MaxSentences:    r.cfg.Speech.MaxSentences,
		MinFragment:     r.cfg.Speech.MinFragment,
		LineLimit:       r.cfg.Speech.LineLimit,
		DefaultLanguage: r.cfg.Speech.DefaultLanguage,
		ApplyTone:       r.cfg.Speech.ApplyTone,
		MaxConcurrency:  r.cfg.TTS.MaxConcurrency,
		SynthTimeout:    r.cfg.TTS.Timeout(),
	}, synth, cache, chunks, opts...)
	limits := orch.Limits()
	r.logger.Info("speech pipeline configured",
		slog.Int("line_limit", limits.LineLimit),
		slog.Int("min_fragment", limits.MinFragment),
		slog.Int("max_sentences", limits.MaxSentences),
		slog.Int("max_voice_chars", limits.MaxVoiceChars),
		slog.Duration("chunk_ttl", limits.ChunkTTL),
	)

	if r.busClient != nil {
		r.busSvc = speechbus.NewService(ctx, r.busClient.Conn(), orch, 0, r.logger)
		if err := r.busSvc.Start(); err != nil {
			return nil, fmt.Errorf("start speech bus service: %w", err)
		}
	}

	mux := http.NewServeMux()
	api.New(orch, events, r.cfg.HTTP.MaxBodyBytes, r.logger).Register(mux)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", r.metrics)
	}
	return mux, nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, "", r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.busClient = client
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.busSvc != nil {
		r.busSvc.Close()
	}
	r.busClient.Close()
	r.embedded.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		return tts.NewMockSynth(0), nil
	case "exec":
		synth, err := tts.NewExecSynth(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("configure exec synthesizer: %w", err)
		}
		return synth, nil
	case "openai":
		return tts.NewOpenAISynth(tts.OpenAIConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.Timeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busOK := !r.cfg.TTS.BusEnabled || (r.busClient.Healthy() && r.busSvc != nil && r.busSvc.Healthy())
	if r.ready.Load() && busOK {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
