package stt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig holds Whisper API configuration
type OpenAIConfig struct {
	APIKey   string        `json:"api_key"`
	BaseURL  string        `json:"base_url,omitempty"` // override for tests
	Model    string        `json:"model"`              // "whisper-1"
	Language string        `json:"language,omitempty"` // optional hint
	Timeout  time.Duration `json:"timeout"`
}

// DefaultOpenAIConfig returns sensible defaults
func DefaultOpenAIConfig() *OpenAIConfig {
	return &OpenAIConfig{
		Model:   openai.Whisper1,
		Timeout: 30 * time.Second,
	}
}

// OpenAIProvider implements STT using OpenAI's Whisper API
type OpenAIProvider struct {
	client *openai.Client
	config *OpenAIConfig
	logger zerolog.Logger
}

// NewOpenAIProvider creates a new Whisper API provider
func NewOpenAIProvider(config *OpenAIConfig, logger zerolog.Logger) *OpenAIProvider {
	if config == nil {
		config = DefaultOpenAIConfig()
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	clientCfg := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		config: config,
		logger: logger.With().Str("provider", "openai").Logger(),
	}
}

// Name returns the provider identifier
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Transcribe uploads the buffered audio as WAV and returns the text.
func (p *OpenAIProvider) Transcribe(ctx context.Context, req *Request) (*Result, error) {
	if p.config.APIKey == "" {
		return nil, ErrProviderUnavailable
	}
	if len(req.PCM) == 0 {
		return nil, ErrAudioEmpty
	}

	start := time.Now()
	wav := EncodeWAV(req.PCM, req.SampleRate, 1)

	language := req.Language
	if language == "" {
		language = p.config.Language
	}

	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.config.Model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(wav),
		Language: language,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	processingTime := time.Since(start)
	p.logger.Info().Str("text", resp.Text).Dur("time", processingTime).Msg("Transcription complete")

	return &Result{
		Text:           resp.Text,
		AudioDuration:  req.Duration(),
		ProcessingTime: processingTime,
	}, nil
}

// Health checks if the API is usable
func (p *OpenAIProvider) Health(ctx context.Context) error {
	if p.config.APIKey == "" {
		return ErrProviderUnavailable
	}
	return nil
}
