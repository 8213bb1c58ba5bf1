package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverRecognizer builds a Recognizer that prefers primary and
// switches to fallback once primary fails outright (a transport error, not
// a quality verdict). Once fallback succeeds it stays active until
// fallback itself fails, then primary is retried.
func NewFailoverRecognizer(primary, fallback Recognizer) Recognizer {
	return &failoverRecognizer{primary: primary, fallback: fallback, state: &failoverState{}}
}

// NewFailoverSynthesizer is the Synthesizer analogue of NewFailoverRecognizer.
func NewFailoverSynthesizer(primary, fallback Synthesizer) Synthesizer {
	return &failoverSynthesizer{primary: primary, fallback: fallback, state: &failoverState{}}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback()   { s.fallbackActive.Store(true) }
func (s *failoverState) deactivateFallback() { s.fallbackActive.Store(false) }
func (s *failoverState) isFallbackActive() bool { return s.fallbackActive.Load() }

type failoverRecognizer struct {
	state    *failoverState
	primary  Recognizer
	fallback Recognizer
}

func (r *failoverRecognizer) Recognize(ctx context.Context, req RecognizeRequest) (RecognizeResult, error) {
	if r.state.isFallbackActive() {
		res, fbErr := r.fallback.Recognize(ctx, req)
		if fbErr == nil {
			return res, nil
		}
		res, prErr := r.primary.Recognize(ctx, req)
		if prErr == nil {
			r.state.deactivateFallback()
			return res, nil
		}
		return RecognizeResult{}, fmt.Errorf("recognizer fallback failed: %v; primary failed: %w", fbErr, prErr)
	}

	res, prErr := r.primary.Recognize(ctx, req)
	if prErr == nil {
		return res, nil
	}
	res, fbErr := r.fallback.Recognize(ctx, req)
	if fbErr != nil {
		return RecognizeResult{}, fmt.Errorf("recognizer primary failed: %v; fallback failed: %w", prErr, fbErr)
	}
	r.state.activateFallback()
	return res, nil
}

type failoverSynthesizer struct {
	state    *failoverState
	primary  Synthesizer
	fallback Synthesizer
}

func (s *failoverSynthesizer) Synthesize(ctx context.Context, sessionID, text string) (SynthesizeResult, error) {
	if s.state.isFallbackActive() {
		res, fbErr := s.fallback.Synthesize(ctx, sessionID, text)
		if fbErr == nil {
			return res, nil
		}
		res, prErr := s.primary.Synthesize(ctx, sessionID, text)
		if prErr == nil {
			s.state.deactivateFallback()
			return res, nil
		}
		return SynthesizeResult{}, fmt.Errorf("synthesizer fallback failed: %v; primary failed: %w", fbErr, prErr)
	}

	res, prErr := s.primary.Synthesize(ctx, sessionID, text)
	if prErr == nil {
		return res, nil
	}
	res, fbErr := s.fallback.Synthesize(ctx, sessionID, text)
	if fbErr != nil {
		return SynthesizeResult{}, fmt.Errorf("synthesizer primary failed: %v; fallback failed: %w", prErr, fbErr)
	}
	s.state.activateFallback()
	return res, nil
}
