// Package audio provides microphone frame buffering and resampling for
// the transcription pipeline.
package audio

import (
	"time"
)

// Frame is one raw audio frame as delivered by the capture device, at its
// native sample rate and channel layout. Samples are interleaved 16-bit
// signed PCM.
type Frame struct {
	Samples    []int16   `json:"-"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Timestamp  time.Time `json:"timestamp"`
}

// Duration returns the play time of the frame.
func (f *Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Samples) / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// BufferConfig holds buffer configuration
type BufferConfig struct {
	// TargetSampleRate is the single rate all accumulated audio shares.
	// Frames at other rates are resampled on ingest.
	TargetSampleRate int `json:"target_sample_rate"`

	// MaxBufferSeconds bounds accumulation between drains; older bytes
	// are discarded when exceeded so a stalled drainer cannot grow the
	// buffer without bound.
	MaxBufferSeconds int `json:"max_buffer_seconds"`
}

// DefaultBufferConfig returns sensible defaults
func DefaultBufferConfig() *BufferConfig {
	return &BufferConfig{
		TargetSampleRate: 16000,
		MaxBufferSeconds: 30,
	}
}
