package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProfile() ProfileConfig {
	return ProfileConfig{
		ID:            "anthropic-primary",
		Provider:      "anthropic",
		APIKey:        "sk-ant-test123",
		Model:         "claude-sonnet-4-5",
		SupportsTools: true,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg)
	assert.Empty(t, cfg.AI.Profiles)
	assert.Equal(t, 20, cfg.Agent.MaxCycles)
	assert.Equal(t, 0.7, cfg.Agent.Temperature)
	assert.Equal(t, 4096, cfg.Agent.MaxTokens)
	assert.Equal(t, 60000, cfg.Agent.ContextBudget)
	assert.Equal(t, 60, cfg.Agent.CooldownSeconds)
	assert.Equal(t, 2, cfg.Agent.MalformedThreshold)
	assert.Equal(t, 4000, cfg.Agent.TruncateHead)
	assert.Equal(t, 4000, cfg.Agent.TruncateTail)
	assert.True(t, cfg.Agent.UseMemory)
	assert.Equal(t, 30, cfg.Tools.TimeoutSeconds)
	assert.True(t, cfg.Browser.Enabled)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 7360, cfg.Gateway.Port)
	assert.Equal(t, "127.0.0.1:7360", cfg.Gateway.Addr())
	assert.True(t, cfg.Cron.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AI.Profiles = []ProfileConfig{validProfile()}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("no profiles", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no AI credentials")
	})

	t.Run("profile without id", func(t *testing.T) {
		cfg := DefaultConfig()
		p := validProfile()
		p.ID = ""
		cfg.AI.Profiles = []ProfileConfig{p}
		assert.ErrorContains(t, cfg.Validate(), "id is required")
	})

	t.Run("duplicate profile ids", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AI.Profiles = []ProfileConfig{validProfile(), validProfile()}
		assert.ErrorContains(t, cfg.Validate(), "duplicate id")
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := DefaultConfig()
		p := validProfile()
		p.Provider = "gemini"
		cfg.AI.Profiles = []ProfileConfig{p}
		assert.ErrorContains(t, cfg.Validate(), "invalid provider")
	})

	t.Run("openai_compatible requires base_url", func(t *testing.T) {
		cfg := DefaultConfig()
		p := validProfile()
		p.Provider = "openai_compatible"
		p.BaseURL = ""
		cfg.AI.Profiles = []ProfileConfig{p}
		assert.ErrorContains(t, cfg.Validate(), "base_url")
	})

	t.Run("openai_compatible with base_url passes", func(t *testing.T) {
		cfg := DefaultConfig()
		p := validProfile()
		p.Provider = "openai_compatible"
		p.BaseURL = "http://localhost:11434/v1"
		cfg.AI.Profiles = []ProfileConfig{p}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing api key", func(t *testing.T) {
		cfg := DefaultConfig()
		p := validProfile()
		p.APIKey = ""
		cfg.AI.Profiles = []ProfileConfig{p}
		assert.ErrorContains(t, cfg.Validate(), "api_key is required")
	})

	t.Run("missing model", func(t *testing.T) {
		cfg := DefaultConfig()
		p := validProfile()
		p.Model = ""
		cfg.AI.Profiles = []ProfileConfig{p}
		assert.ErrorContains(t, cfg.Validate(), "model is required")
	})

	t.Run("temperature out of range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AI.Profiles = []ProfileConfig{validProfile()}
		cfg.Agent.Temperature = 1.5
		assert.ErrorContains(t, cfg.Validate(), "temperature")
	})

	t.Run("bad gateway port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AI.Profiles = []ProfileConfig{validProfile()}
		cfg.Gateway.Port = 70000
		assert.ErrorContains(t, cfg.Validate(), "port")
	})
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []ProfileConfig{{
		ID:       "anthropic-primary",
		Provider: "anthropic",
		APIKey:   "sk-ant-verysecretkey123456",
		Model:    "claude-sonnet-4-5",
	}}
	cfg.Gateway.SharedSecret = "super-secret-gateway-token"
	cfg.Tools.TavilyAPIKey = "tvly-abcdefghij"

	rendered := cfg.String()
	assert.NotContains(t, rendered, "sk-ant-verysecretkey123456")
	assert.NotContains(t, rendered, "super-secret-gateway-token")
	assert.NotContains(t, rendered, "tvly-abcdefghij")
	assert.Contains(t, rendered, "sk-a...3456")

	// Masking must not leak back into the caller's config.
	assert.Equal(t, "sk-ant-verysecretkey123456", cfg.AI.Profiles[0].APIKey)
	assert.Equal(t, "super-secret-gateway-token", cfg.Gateway.SharedSecret)
}

func TestMaskSecret(t *testing.T) {
	assert.Empty(t, maskSecret(""))
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "abcd...wxyz", maskSecret("abcdefghijklmnopqrstuvwxyz"))
	assert.False(t, strings.Contains(maskSecret("abcdefghijklmnop"), "efghijkl"))
}
