package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "https://api.heygen.com", cfg.HeyGen.BaseURL)
	assert.Equal(t, time.Second, cfg.HeyGen.SettleDelay)
	assert.False(t, cfg.HeyGen.PreferLegacySpeak)
	assert.NotEmpty(t, cfg.HeyGen.AvatarID)
	assert.NotEmpty(t, cfg.HeyGen.VoiceID)
	assert.NotEmpty(t, cfg.HeyGen.DefaultICEServer)

	assert.Equal(t, 16000, cfg.Audio.TargetSampleRate)
	assert.Equal(t, 30, cfg.Audio.MaxBufferSeconds)

	assert.Equal(t, 1200*time.Millisecond, cfg.Pipeline.DrainInterval)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.StopTimeout)

	assert.Equal(t, ":8089", cfg.Server.Addr)
}

func TestValidate_RequiresAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrMissingAPIKey)

	cfg.HeyGen.APIKey = "some-key"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AVATARECHO_HEYGEN_API_KEY", "env-heygen-key")
	t.Setenv("OPENAI_API_KEY", "env-openai-key")
	t.Setenv("DEEPGRAM_API_KEY", "env-deepgram-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "env-heygen-key", cfg.HeyGen.APIKey)
	assert.Equal(t, "env-openai-key", cfg.STT.OpenAIAPIKey)
	assert.Equal(t, "env-deepgram-key", cfg.STT.DeepgramAPIKey)
	assert.NoError(t, cfg.Validate())
}

func TestGetConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := GetConfigDir()
	require.NoError(t, err)
	assert.Contains(t, dir, ".avatarecho")
}
