// Package api serves the speech endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-tts/internal/chunkstore"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/speech"
	"github.com/loqalabs/loqa-tts/internal/ttscache"
)

const DefaultMaxBodyBytes = 64 << 10

// Speech is implemented by *speech.Orchestrator.
type Speech interface {
	Speak(ctx context.Context, req speech.SpeakRequest) (speech.SpeakResult, error)
	SpeakChunks(ctx context.Context, req speech.ChunksRequest) (speech.Manifest, error)
	Chunk(sessionID, chunkID string) ([]byte, error)
	ClearSession(sessionID string) (int, error)
	CacheStats() ttscache.Stats
	ClearCache()
	ChunkContentType() string
}

// Timeline is implemented by *eventstore.Store.
type Timeline interface {
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
	Enabled() bool
}

type Handler struct {
	speech       Speech
	timeline     Timeline
	maxBodyBytes int64
	log          *slog.Logger
}

// New returns a Handler. timeline may be nil.
func New(s Speech, timeline Timeline, maxBodyBytes int64, log *slog.Logger) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		speech:       s,
		timeline:     timeline,
		maxBodyBytes: maxBodyBytes,
		log:          log.With(slog.String("component", "api")),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /speak", h.handleSpeak)
	mux.HandleFunc("POST /speak-chunks", h.handleSpeakChunks)
	mux.HandleFunc("GET /voice/chunk/{sessionId}/{chunkId}", h.handleChunk)
	mux.HandleFunc("DELETE /voice/chunk/{sessionId}", h.handleClearSession)
	mux.HandleFunc("GET /voice/cache-stats", h.handleCacheStats)
	mux.HandleFunc("DELETE /voice/cache", h.handleClearCache)
	mux.HandleFunc("GET /voice/timeline/{sessionId}", h.handleTimeline)
}

type speakBody struct {
	Text     *string `json:"text"`
	Voice    string  `json:"voice"`
	Format   string  `json:"format"`
	Language string  `json:"language"`
}

type chunksBody struct {
	Text         *string `json:"text"`
	Voice        string  `json:"voice"`
	Language     string  `json:"language"`
	MaxChars     int     `json:"maxChars"`
	MaxSentences int     `json:"maxSentences"`
}

type errorBody struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons,omitempty"`
}

func (h *Handler) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var body speakBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.Text == nil {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	res, err := h.speech.Speak(r.Context(), speech.SpeakRequest{
		Text:     *body.Text,
		Voice:    body.Voice,
		Format:   body.Format,
		Language: body.Language,
	})
	if err != nil {
		h.writeSpeechError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
	if res.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Audio)
}

func (h *Handler) handleSpeakChunks(w http.ResponseWriter, r *http.Request) {
	var body chunksBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.Text == nil {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	manifest, err := h.speech.SpeakChunks(r.Context(), speech.ChunksRequest{
		Text:         *body.Text,
		Voice:        body.Voice,
		Language:     body.Language,
		MaxChars:     body.MaxChars,
		MaxSentences: body.MaxSentences,
	})
	if err != nil {
		h.writeSpeechError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	audio, err := h.speech.Chunk(r.PathValue("sessionId"), r.PathValue("chunkId"))
	switch {
	case errors.Is(err, chunkstore.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, chunkstore.ErrNotFound):
		writeError(w, http.StatusNotFound, chunkstore.ErrNotFound.Error())
		return
	case err != nil:
		h.log.Error("chunk lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", h.speech.ChunkContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.Header().Set("Cache-Control", "private, max-age=600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (h *Handler) handleClearSession(w http.ResponseWriter, r *http.Request) {
	removed, err := h.speech.ClearSession(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.speech.CacheStats())
}

func (h *Handler) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	h.speech.ClearCache()
	h.log.Info("synthesis cache cleared")
	writeJSON(w, http.StatusOK, h.speech.CacheStats())
}

type timelineEvent struct {
	ChunkID    string    `json:"chunkId"`
	Type       string    `json:"type"`
	Model      string    `json:"model,omitempty"`
	Size       int       `json:"size"`
	DurationMS int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	TraceID    string    `json:"traceId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if h.timeline == nil || !h.timeline.Enabled() {
		writeError(w, http.StatusNotFound, "speech timeline is disabled")
		return
	}
	sessionID := r.PathValue("sessionId")
	if err := chunkstore.ValidateID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.timeline.ListSessionEvents(r.Context(), sessionID, limit)
	if err != nil {
		h.log.Error("timeline query failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]timelineEvent, 0, len(events))
	for _, e := range events {
		out = append(out, timelineEvent{
			ChunkID:    e.ChunkID,
			Type:       e.Type,
			Model:      e.Model,
			Size:       e.Size,
			DurationMS: e.DurationMS,
			Error:      e.Error,
			TraceID:    e.TraceID,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "events": out})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) writeSpeechError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil || errors.Is(err, context.Canceled) {
		h.log.Info("client went away before speech was ready", slog.String("path", r.URL.Path))
		return
	}
	var synthErr *speech.SynthesisError
	if errors.As(err, &synthErr) {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: speech.ErrSynthesisFailed.Error(), Reasons: synthErr.Reasons()})
		return
	}
	if errors.Is(err, speech.ErrSynthesisFailed) {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.log.Error("speech request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
