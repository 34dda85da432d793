package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store must not persist")
	}
	if err := es.RecordEvent(ctx, Event{SessionID: "s", Type: EventChunkCached}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v (%v)", events, err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	sessionID := "3f2a9c1d"
	if err := es.RecordSession(ctx, Session{ID: sessionID, Voice: "alloy", Language: "English", Chunks: 2, Failed: 1}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	for _, evt := range []Event{
		{SessionID: sessionID, ChunkID: "c1", Type: EventChunkSynthesized, Model: "gpt-4o-mini-tts", Size: 1200, DurationMS: 340},
		{SessionID: sessionID, ChunkID: "c2", Type: EventChunkCached, Size: 800},
		{SessionID: sessionID, ChunkID: "c3", Type: EventChunkFailed, Error: "openai synthesis failed: status 500"},
	} {
		if err := es.RecordEvent(ctx, evt); err != nil {
			t.Fatalf("record event: %v", err)
		}
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].ChunkID != "c1" || events[0].DurationMS != 340 || events[0].Model != "gpt-4o-mini-tts" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[2].Type != EventChunkFailed || events[2].Error == "" {
		t.Fatalf("unexpected failure event: %+v", events[2])
	}
	if events[1].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round-trip")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordSession(context.Background(), Session{ID: "old-session"}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := es.RecordEvent(context.Background(), Event{SessionID: "old-session", ChunkID: "c1", Type: EventChunkCached}); err != nil {
		t.Fatalf("record event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordSession(context.Background(), Session{ID: "new-session"}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := es.RecordEvent(context.Background(), Event{SessionID: "new-session", ChunkID: "c1", Type: EventChunkCached}); err != nil {
		t.Fatalf("record event: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	events, err = es.ListSessionEvents(context.Background(), "new-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected new session kept, got %d events", len(events))
	}
}
