package stt

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// FallbackPrefix marks fallback output so it cannot be mistaken for a
// real transcription.
const FallbackPrefix = "[no stt engine]"

// FallbackProvider is the deterministic stand-in used when no
// recognition backend is configured. It reports the captured duration,
// which keeps the rest of the pipeline testable end to end.
type FallbackProvider struct {
	logger zerolog.Logger
}

// NewFallbackProvider creates the stand-in provider
func NewFallbackProvider(logger zerolog.Logger) *FallbackProvider {
	return &FallbackProvider{
		logger: logger.With().Str("provider", "fallback").Logger(),
	}
}

// Name returns the provider identifier
func (p *FallbackProvider) Name() string {
	return "fallback"
}

// Transcribe reports the captured audio duration instead of text.
func (p *FallbackProvider) Transcribe(_ context.Context, req *Request) (*Result, error) {
	if len(req.PCM) == 0 {
		return nil, ErrAudioEmpty
	}

	duration := req.Duration()
	return &Result{
		Text:          fmt.Sprintf("%s captured %.1fs of audio", FallbackPrefix, duration.Seconds()),
		AudioDuration: duration,
		Fallback:      true,
	}, nil
}

// Health always succeeds; the stand-in has no external dependency.
func (p *FallbackProvider) Health(context.Context) error {
	return nil
}
