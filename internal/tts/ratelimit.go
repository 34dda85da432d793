package tts

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Synthesizer
	limiter *rate.Limiter
}

// NewRateLimited caps calls to next at rps per second with the given burst.
// A non-positive rps returns next unchanged.
func NewRateLimited(next Synthesizer, rps float64, burst int) Synthesizer {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("wait for synthesis slot: %w", err)
	}
	return r.next.Synthesize(ctx, req)
}
