// Package speechbus exposes chunked speech over NATS request/reply and
// announces stored sessions.
package speechbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/speech"
)

const queueGroup = "loqa-tts"

// Speaker is the part of *speech.Orchestrator the service needs.
type Speaker interface {
	SpeakChunks(ctx context.Context, req speech.ChunksRequest) (speech.Manifest, error)
}

type Service struct {
	conn    *nats.Conn
	speaker Speaker
	timeout time.Duration
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(parent context.Context, conn *nats.Conn, speaker Speaker, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Service{
		conn:    conn,
		speaker: speaker,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "speech-bus")),
	}
}

func (s *Service) Start() error {
	sub, err := s.conn.QueueSubscribe(protocol.SubjectSpeakChunks, queueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectSpeakChunks, err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
	s.cancel()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeakChunksRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.reply(msg, protocol.ErrorReply{Error: "invalid request: " + err.Error()})
		return
	}

	// Late deliveries after Close are dropped; the requester times out.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		manifest, err := s.speaker.SpeakChunks(ctx, speech.ChunksRequest{
			Text:         req.Text,
			Voice:        req.Voice,
			Language:     req.Language,
			MaxChars:     req.MaxChars,
			MaxSentences: req.MaxSentences,
		})
		if err != nil {
			s.logger.Warn("bus speak request failed", slogError(err))
			errReply := protocol.ErrorReply{Error: err.Error()}
			var synthErr *speech.SynthesisError
			if errors.As(err, &synthErr) {
				errReply.Error = speech.ErrSynthesisFailed.Error()
				errReply.Reasons = synthErr.Reasons()
			}
			s.reply(msg, errReply)
			return
		}
		s.reply(msg, manifest)
	}()
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
