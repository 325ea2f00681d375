// Package config provides configuration management for AvatarEcho
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ErrMissingAPIKey indicates the required HeyGen account key is absent.
// Startup must halt before any remote call is attempted.
var ErrMissingAPIKey = errors.New("heygen api key not configured")

// Config holds all application configuration
type Config struct {
	HeyGen   HeyGenConfig   `mapstructure:"heygen"`
	Audio    AudioConfig    `mapstructure:"audio"`
	STT      STTConfig      `mapstructure:"stt"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// HeyGenConfig configures the streaming-avatar session client
type HeyGenConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	AvatarID          string        `mapstructure:"avatar_id"`
	VoiceID           string        `mapstructure:"voice_id"`
	Timeout           time.Duration `mapstructure:"timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	PreferLegacySpeak bool          `mapstructure:"prefer_legacy_speak"`
	DefaultICEServer  string        `mapstructure:"default_ice_server"`
}

// AudioConfig configures microphone capture and buffering
type AudioConfig struct {
	TargetSampleRate int `mapstructure:"target_sample_rate"`
	MaxBufferSeconds int `mapstructure:"max_buffer_seconds"`
}

// STTConfig configures speech-to-text
type STTConfig struct {
	Provider       string `mapstructure:"provider"` // openai, deepgram, none
	Language       string `mapstructure:"language"`
	OpenAIAPIKey   string `mapstructure:"openai_api_key"`
	OpenAIModel    string `mapstructure:"openai_model"`
	DeepgramAPIKey string `mapstructure:"deepgram_api_key"`
}

// PipelineConfig configures the drain/transcribe/dispatch loop
type PipelineConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`

	// EchoSuppressWindow drops transcripts identical to a recent dispatch.
	// Zero disables suppression.
	EchoSuppressWindow time.Duration `mapstructure:"echo_suppress_window"`
}

// ServerConfig configures the HTTP facade
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		HeyGen: HeyGenConfig{
			BaseURL:          "https://api.heygen.com",
			AvatarID:         "Alessandra_CasualLook_public",
			VoiceID:          "0d3f35185d7c4360b9f03312e0264d59",
			Timeout:          20 * time.Second,
			SettleDelay:      time.Second,
			DefaultICEServer: "stun:stun.l.google.com:19302",
		},
		Audio: AudioConfig{
			TargetSampleRate: 16000,
			MaxBufferSeconds: 30,
		},
		STT: STTConfig{
			Provider:    "openai",
			Language:    "",
			OpenAIModel: "whisper-1",
		},
		Pipeline: PipelineConfig{
			DrainInterval: 1200 * time.Millisecond,
			StopTimeout:   2 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":8089",
		},
		Logging: LoggingConfig{
			Level:   "debug",
			Dir:     filepath.Join(home, ".avatarecho", "logs"),
			Console: true,
		},
	}
}

// Validate checks that required credentials are present.
func (c *Config) Validate() error {
	if c.HeyGen.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := GetConfigDir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	// Environment variable overrides, e.g. AVATARECHO_HEYGEN_API_KEY
	viper.SetEnvPrefix("AVATARECHO")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	// AutomaticEnv does not reach nested keys through Unmarshal; pick up the
	// credentials explicitly so `.env` style deployments work.
	if v := os.Getenv("AVATARECHO_HEYGEN_API_KEY"); v != "" {
		cfg.HeyGen.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.STT.OpenAIAPIKey == "" {
		cfg.STT.OpenAIAPIKey = v
	}
	if v := os.Getenv("DEEPGRAM_API_KEY"); v != "" && cfg.STT.DeepgramAPIKey == "" {
		cfg.STT.DeepgramAPIKey = v
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("heygen", cfg.HeyGen)
	viper.Set("audio", cfg.Audio)
	viper.Set("stt", cfg.STT)
	viper.Set("pipeline", cfg.Pipeline)
	viper.Set("server", cfg.Server)
	viper.Set("logging", cfg.Logging)

	return viper.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}

// Watch re-reads the config file on change and invokes the callback with the
// fresh configuration. Reload failures keep the previous config.
func Watch(onChange func(*Config)) {
	viper.OnConfigChange(func(_ fsnotify.Event) {
		cfg := DefaultConfig()
		if err := viper.Unmarshal(cfg); err != nil {
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".avatarecho"), nil
}
