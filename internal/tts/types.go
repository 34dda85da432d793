package tts

import (
	"context"
	"fmt"
	"strings"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Model  string
	Voice  string
	Text   string
	Format string
}

// Synthesizer is the contract for producing audio. Implementations return
// the complete encoded audio or an error; partial audio is never returned.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) ([]byte, error)
}

// ProviderError reports a failure inside a synthesis backend.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s synthesis failed", e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " (model %s)", e.Model)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary reports whether retrying later may succeed.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ContentType maps an audio format name to its MIME type.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "", "mp3", "mpeg":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "pcm":
		return "audio/L16"
	default:
		return "application/octet-stream"
	}
}
