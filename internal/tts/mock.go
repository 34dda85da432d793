package tts

import (
	"context"
	"fmt"
	"time"
)

type mockSynth struct {
	delay time.Duration
}

// NewMockSynth returns a synthesizer whose audio is a deterministic rendering
// of the request, produced after delay.
func NewMockSynth(delay time.Duration) Synthesizer {
	return &mockSynth{delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	return []byte(fmt.Sprintf("MOCK|%s|%s|%s|%s", req.Model, req.Voice, req.Format, req.Text)), nil
}
