// Package pipeline routes captured microphone audio through transcription
// to the avatar session's speak operation.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/avatarecho/internal/audio"
	"github.com/normanking/avatarecho/internal/bus"
	"github.com/normanking/avatarecho/internal/heygen"
	"github.com/normanking/avatarecho/internal/stt"
	"github.com/normanking/avatarecho/internal/voice"
)

// Speaker dispatches recognized text to a session.
type Speaker interface {
	Speak(ctx context.Context, s *heygen.Session, text string) error
}

// Config configures the pipeline cadence
type Config struct {
	// DrainInterval is how often buffered audio is drained and
	// transcribed. Approximate: nothing depends on tick precision.
	DrainInterval time.Duration

	// StopTimeout bounds how long Stop waits for the drain loop to exit.
	StopTimeout time.Duration

	// EchoSuppressWindow drops a transcript identical to one dispatched
	// within this window, so the capture loop does not re-speak audio it
	// heard back from the avatar. Zero disables suppression.
	EchoSuppressWindow time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: 1200 * time.Millisecond,
		StopTimeout:   2 * time.Second,
	}
}

// Pipeline implements the continuous delivery policy: frames are ingested
// push-driven, and an independent periodic task drains, transcribes, and
// routes on its own cadence. Transcription and dispatch never run on the
// ingest path, so capture cannot stall on network or inference.
type Pipeline struct {
	config   *Config
	buffer   *audio.Buffer
	provider stt.Provider
	speaker  Speaker
	eventBus *bus.EventBus
	history  *voice.History
	logger   zerolog.Logger

	mu      sync.Mutex
	session *heygen.Session
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a pipeline over the given buffer, STT provider, and speaker
func New(cfg *Config, buffer *audio.Buffer, provider stt.Provider, speaker Speaker, eventBus *bus.EventBus, logger zerolog.Logger) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	historyCfg := voice.DefaultHistoryConfig()
	historyCfg.DuplicateWindow = cfg.EchoSuppressWindow

	return &Pipeline{
		config:   cfg,
		buffer:   buffer,
		provider: provider,
		speaker:  speaker,
		eventBus: eventBus,
		history:  voice.NewHistory(historyCfg),
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// History returns the dispatched-utterance history.
func (p *Pipeline) History() *voice.History {
	return p.history
}

// Ingest accepts a raw capture frame. Never blocks, never fails.
func (p *Pipeline) Ingest(frame audio.Frame) {
	p.buffer.Ingest(frame)
}

// Running reports whether the drain loop is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start launches the periodic drain loop for the given session.
func (p *Pipeline) Start(session *heygen.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("pipeline already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.session = session
	p.cancel = cancel
	p.done = done
	p.running = true

	go p.drainLoop(ctx, done)

	p.logger.Info().Dur("interval", p.config.DrainInterval).Msg("Pipeline started")
	return nil
}

// Stop signals the drain loop to exit before its next tick, joins it with
// a bounded timeout, then flushes whatever audio remains. Callers tear
// down capture and the remote session only after Stop returns, so no
// command is sent to an already-stopped session.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	done := p.done
	p.running = false
	p.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(p.config.StopTimeout):
		p.logger.Warn().Msg("Drain loop did not exit in time")
	}

	// Final flush so a trailing utterance is not dropped.
	p.processOnce(ctx)

	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()

	p.logger.Info().Msg("Pipeline stopped")
	return nil
}

func (p *Pipeline) drainLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processOnce(ctx)
		}
	}
}

// processOnce drains the buffer, transcribes it, and routes the text.
func (p *Pipeline) processOnce(ctx context.Context) {
	pcm := p.buffer.Drain()
	if len(pcm) == 0 {
		return
	}

	req := &stt.Request{
		PCM:        pcm,
		SampleRate: p.buffer.SampleRate(),
	}

	result, err := p.provider.Transcribe(ctx, req)
	if err != nil {
		// Recognition failure yields no result, never a pipeline stop.
		p.logger.Debug().Err(err).Int("bytes", len(pcm)).Msg("No transcription result")
		return
	}
	if result == nil {
		return
	}

	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{
			Type: bus.EventTypeTranscript,
			Data: map[string]any{
				"text":     result.Text,
				"fallback": result.Fallback,
				"duration": result.AudioDuration.Seconds(),
			},
		})
	}

	p.route(ctx, result)
}

// route forwards recognized text to the session's speak operation. No-op
// when the session is not Ready or the text is blank.
func (p *Pipeline) route(ctx context.Context, result *stt.Result) {
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return
	}

	p.mu.Lock()
	session := p.session
	p.mu.Unlock()

	if !session.Ready() {
		p.logger.Debug().Str("text", text).Msg("Dropping transcript, session not ready")
		return
	}

	if p.history.IsDuplicate(text) {
		p.logger.Debug().Str("text", text).Msg("Dropping transcript, recent duplicate")
		return
	}

	if err := p.speaker.Speak(ctx, session, text); err != nil {
		// Dispatch failures are reported but do not invalidate the session.
		p.logger.Warn().Err(err).Str("sessionId", session.ID).Msg("Dispatch failed")
		return
	}

	p.history.Add(text, result.Fallback)
}
