package audio

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog"
)

// Buffer accumulates microphone PCM between drains. Ingest and Drain are
// safe under concurrent use: no byte is visible to more than one Drain
// call and none are lost, except malformed frames dropped on ingest.
type Buffer struct {
	config *BufferConfig
	logger zerolog.Logger

	mu       sync.Mutex
	pcm      []byte
	ingested int64 // frames accepted since creation
	dropped  int64 // frames discarded as malformed
}

// NewBuffer creates a new buffer
func NewBuffer(config *BufferConfig, logger zerolog.Logger) *Buffer {
	if config == nil {
		config = DefaultBufferConfig()
	}

	return &Buffer{
		config: config,
		logger: logger.With().Str("component", "audio-buffer").Logger(),
		pcm:    make([]byte, 0, config.TargetSampleRate*2),
	}
}

// Ingest accepts one raw frame. It never blocks and never fails:
// malformed frames are counted and dropped. Multi-channel frames are
// downmixed by taking channel 0; off-rate frames are resampled to the
// target rate by linear interpolation.
func (b *Buffer) Ingest(frame Frame) {
	if len(frame.Samples) == 0 || frame.SampleRate <= 0 || frame.Channels <= 0 {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return
	}

	mono := downmix(frame.Samples, frame.Channels)
	if frame.SampleRate != b.config.TargetSampleRate {
		mono = Resample(mono, frame.SampleRate, b.config.TargetSampleRate)
	}
	if len(mono) == 0 {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return
	}

	data := make([]byte, len(mono)*2)
	for i, s := range mono {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}

	maxBytes := b.config.MaxBufferSeconds * b.config.TargetSampleRate * 2

	b.mu.Lock()
	b.pcm = append(b.pcm, data...)
	if maxBytes > 0 && len(b.pcm) > maxBytes {
		b.pcm = b.pcm[len(b.pcm)-maxBytes:]
	}
	b.ingested++
	b.mu.Unlock()
}

// Drain atomically removes and returns everything accumulated since the
// last drain. Returns nil when nothing is buffered.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pcm) == 0 {
		return nil
	}
	out := b.pcm
	b.pcm = make([]byte, 0, cap(out))
	return out
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pcm)
}

// Stats returns accepted and dropped frame counts.
func (b *Buffer) Stats() (ingested, dropped int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ingested, b.dropped
}

// SampleRate returns the rate all drained audio is delivered at.
func (b *Buffer) SampleRate() int {
	return b.config.TargetSampleRate
}

// downmix reduces interleaved multi-channel samples to mono by taking
// channel 0.
func downmix(samples []int16, channels int) []int16 {
	if channels == 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		mono[i] = samples[i*channels]
	}
	return mono
}

// Resample converts mono PCM between rates using linear interpolation.
// Good enough for short speech chunks headed to transcription.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	outLen := len(samples) * toRate / fromRate
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	ratio := float64(len(samples)) / float64(outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		c := float64(samples[idx+1])
		out[i] = int16(a + (c-a)*frac)
	}
	return out
}
