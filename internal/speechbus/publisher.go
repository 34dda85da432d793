package speechbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/speech"
)

// Publisher announces stored sessions on protocol.SubjectChunksReady. It
// satisfies speech.Notifier; publish failures are logged and dropped.
type Publisher struct {
	conn   *nats.Conn
	clock  func() time.Time
	logger *slog.Logger
}

func NewPublisher(conn *nats.Conn, log *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		clock:  time.Now,
		logger: log.With(slog.String("component", "speech-publisher")),
	}
}

func (p *Publisher) ChunksReady(_ context.Context, m speech.Manifest) {
	evt := protocol.ChunksReady{
		SessionID:   m.SessionID,
		ChunkCount:  len(m.Chunks),
		FailedCount: len(m.Failed),
		URLs:        make([]string, 0, len(m.Chunks)),
		Timestamp:   p.clock().UTC(),
	}
	for _, c := range m.Chunks {
		evt.URLs = append(evt.URLs, c.URL)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("failed to marshal chunks-ready event", slogError(err))
		return
	}
	if err := p.conn.Publish(protocol.SubjectChunksReady, data); err != nil {
		p.logger.Warn("failed to publish chunks-ready event",
			slog.String("session_id", m.SessionID), slogError(err))
	}
}
