// Package stt provides speech-to-text transcription for AvatarEcho.
package stt

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrProviderUnavailable = errors.New("stt provider unavailable")
	ErrAudioEmpty          = errors.New("audio buffer empty")
)

// Provider is the interface all STT backends implement. Transcription
// failures degrade to "no result" at the pipeline level; they are never
// fatal to capture.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "deepgram")
	Name() string

	// Transcribe converts 16-bit mono PCM to text
	Transcribe(ctx context.Context, req *Request) (*Result, error)

	// Health checks if the provider is usable
	Health(ctx context.Context) error
}

// Request carries one accumulated buffer of audio.
type Request struct {
	PCM        []byte `json:"-"`           // 16-bit signed mono PCM
	SampleRate int    `json:"sample_rate"` // Hz
	Language   string `json:"language,omitempty"`
}

// Duration returns the play time of the request audio.
func (r *Request) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.PCM)/2) * time.Second / time.Duration(r.SampleRate)
}

// Result is a recognized-text event.
type Result struct {
	Text           string        `json:"text"`
	AudioDuration  time.Duration `json:"audio_duration"`
	ProcessingTime time.Duration `json:"processing_time"`

	// Fallback marks output from the no-engine stand-in so it is never
	// mistaken for a real transcription.
	Fallback bool `json:"fallback,omitempty"`
}
