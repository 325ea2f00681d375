package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// DeepgramConfig holds Deepgram prerecorded API configuration
type DeepgramConfig struct {
	APIKey   string        `json:"api_key"`
	BaseURL  string        `json:"base_url"`
	Model    string        `json:"model"`
	Language string        `json:"language,omitempty"`
	Timeout  time.Duration `json:"timeout"`
}

// DefaultDeepgramConfig returns sensible defaults
func DefaultDeepgramConfig() *DeepgramConfig {
	return &DeepgramConfig{
		BaseURL: "https://api.deepgram.com",
		Model:   "nova-2",
		Timeout: 30 * time.Second,
	}
}

// DeepgramProvider implements STT against Deepgram's prerecorded
// endpoint. Raw linear16 PCM is posted directly; the rate rides in the
// query string.
type DeepgramProvider struct {
	client *http.Client
	config *DeepgramConfig
	logger zerolog.Logger
}

// NewDeepgramProvider creates a new Deepgram provider
func NewDeepgramProvider(config *DeepgramConfig, logger zerolog.Logger) *DeepgramProvider {
	if config == nil {
		config = DefaultDeepgramConfig()
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	}

	return &DeepgramProvider{
		client: &http.Client{Timeout: config.Timeout},
		config: config,
		logger: logger.With().Str("provider", "deepgram").Logger(),
	}
}

// Name returns the provider identifier
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe posts the buffered PCM and returns the top alternative.
func (p *DeepgramProvider) Transcribe(ctx context.Context, req *Request) (*Result, error) {
	if p.config.APIKey == "" {
		return nil, ErrProviderUnavailable
	}
	if len(req.PCM) == 0 {
		return nil, ErrAudioEmpty
	}

	start := time.Now()

	url := fmt.Sprintf("%s/v1/listen?model=%s&encoding=linear16&sample_rate=%d&channels=1",
		p.config.BaseURL, p.config.Model, req.SampleRate)
	if req.Language != "" {
		url += "&language=" + req.Language
	} else if p.config.Language != "" {
		url += "&language=" + p.config.Language
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.PCM))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deepgram request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("Deepgram API error")
		return nil, fmt.Errorf("deepgram error: status %d", resp.StatusCode)
	}

	var parsed deepgramResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var text string
	if len(parsed.Results.Channels) > 0 && len(parsed.Results.Channels[0].Alternatives) > 0 {
		text = parsed.Results.Channels[0].Alternatives[0].Transcript
	}

	processingTime := time.Since(start)
	p.logger.Info().Str("text", text).Dur("time", processingTime).Msg("Transcription complete")

	return &Result{
		Text:           text,
		AudioDuration:  req.Duration(),
		ProcessingTime: processingTime,
	}, nil
}

// Health checks if the API is usable
func (p *DeepgramProvider) Health(ctx context.Context) error {
	if p.config.APIKey == "" {
		return ErrProviderUnavailable
	}
	return nil
}
