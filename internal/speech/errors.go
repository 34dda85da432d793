package speech

import (
	"errors"
	"strings"
)

// ErrSynthesisFailed is matched by every error caused by the synthesis
// backend rather than by the caller.
var ErrSynthesisFailed = errors.New("speech synthesis failed")

var errEmptyAudio = errors.New("backend returned no audio")

// Attempt is one try against one model.
type Attempt struct {
	Model string `json:"model"`
	Err   error  `json:"-"`
}

// SynthesisError lists every attempt made before giving up, in order.
type SynthesisError struct {
	Attempts []Attempt
}

func (e *SynthesisError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrSynthesisFailed.Error()
	}
	return ErrSynthesisFailed.Error() + ": " + strings.Join(e.Reasons(), "; ")
}

// Unwrap exposes the sentinel and every attempt error, so errors.As can
// reach a *tts.ProviderError.
func (e *SynthesisError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	errs = append(errs, ErrSynthesisFailed)
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Reasons returns one human-readable line per attempt.
func (e *SynthesisError) Reasons() []string {
	out := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Model+": "+a.Err.Error())
	}
	return out
}
