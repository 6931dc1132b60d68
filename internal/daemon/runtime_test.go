package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/config"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/logger"
	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/provider"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dataDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.AI.Profiles = []config.ProfileConfig{
		{
			ID:            "anthropic-primary",
			Provider:      "anthropic",
			APIKey:        "sk-ant-test123",
			Model:         "claude-sonnet-4-5",
			Priority:      0,
			SupportsTools: true,
		},
	}
	cfg.Tools.WorkspacePath = filepath.Join(dataDir, "workspace")
	cfg.Memory.DBPath = filepath.Join(dataDir, "memory.db")
	cfg.Browser.Enabled = false
	cfg.Cron.Enabled = false
	cfg.Cron.StorePath = filepath.Join(dataDir, "cron", "jobs.json")
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = "daemon-test-secret"
	cfg.Logging.Console = false
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestNewRuntime(t *testing.T) {
	t.Run("should register the full tool catalog", func(t *testing.T) {
		rt, err := NewRuntime(testConfig(t), testLogger(t))
		require.NoError(t, err)
		defer rt.Close()

		for _, name := range []string{
			"terminal", "calculator", "read_file", "write_file", "edit_file",
			"web_search", "transcribe_audio", "terminate", "ask_human",
			"memory_save", "memory_recall", "knowledge_save", "knowledge_search", "knowledge_list",
			"planning",
		} {
			assert.NotNil(t, rt.executor.GetTool(name), name)
		}
		assert.Nil(t, rt.executor.GetTool("browser_navigate"))
		assert.Equal(t, 15, rt.executor.GetToolCount())
	})

	t.Run("should register browser tools when enabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Browser.Enabled = true

		rt, err := NewRuntime(cfg, testLogger(t))
		require.NoError(t, err)
		defer rt.Close()

		// Chrome is launched lazily, so registration alone stays cheap.
		assert.NotNil(t, rt.executor.GetTool("browser_navigate"))
		assert.NotNil(t, rt.executor.GetTool("browser_extract"))
	})

	t.Run("should honor the enabled filter for built-ins", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Tools.Enabled = []string{"calculator"}

		rt, err := NewRuntime(cfg, testLogger(t))
		require.NoError(t, err)
		defer rt.Close()

		assert.NotNil(t, rt.executor.GetTool("calculator"))
		assert.NotNil(t, rt.executor.GetTool("terminate"))
		assert.Nil(t, rt.executor.GetTool("terminal"))
		// Memory and planning tools are scoped by their own sections.
		assert.NotNil(t, rt.executor.GetTool("memory_recall"))
		assert.NotNil(t, rt.executor.GetTool("planning"))
	})

	t.Run("should fail without provider profiles", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AI.Profiles = nil

		_, err := NewRuntime(cfg, testLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one provider profile")
	})

	t.Run("should fail without a memory db path", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Memory.DBPath = ""

		_, err := NewRuntime(cfg, testLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "memory store")
	})
}

func TestRuntimeRunGoal(t *testing.T) {
	t.Run("should build a fresh engine per call", func(t *testing.T) {
		rt, err := NewRuntime(testConfig(t), testLogger(t))
		require.NoError(t, err)
		defer rt.Close()

		// An empty goal fails validation before any provider exchange.
		// Two calls both failing the same way proves each run gets its
		// own single-use engine.
		_, err = rt.RunGoal(context.Background(), "", "sess-1")
		require.ErrorContains(t, err, "goal is required")

		_, err = rt.RunGoal(context.Background(), "", "sess-1")
		require.ErrorContains(t, err, "goal is required")
	})

	t.Run("should require a session key", func(t *testing.T) {
		rt, err := NewRuntime(testConfig(t), testLogger(t))
		require.NoError(t, err)
		defer rt.Close()

		_, err = rt.RunGoal(context.Background(), "check the weather", "")
		require.ErrorContains(t, err, "session key is required")
	})
}

func TestProviderProfiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.ProviderTimeoutSeconds = 90
	cfg.AI.Profiles = append(cfg.AI.Profiles, config.ProfileConfig{
		ID:       "local",
		Provider: "openai_compatible",
		APIKey:   "sk-local",
		BaseURL:  "http://127.0.0.1:8080/v1",
		Model:    "qwen2.5",
		Priority: 5,
	})

	profiles := providerProfiles(cfg)
	require.Len(t, profiles, 2)

	assert.Equal(t, "anthropic-primary", profiles[0].ID)
	assert.Equal(t, provider.VendorAnthropic, profiles[0].Provider)
	assert.Equal(t, 90*time.Second, profiles[0].Timeout)
	assert.True(t, profiles[0].SupportsTools)

	assert.Equal(t, "http://127.0.0.1:8080/v1", profiles[1].BaseURL)
	assert.Equal(t, 90*time.Second, profiles[1].Timeout)
}

func TestFirstKeyFor(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.Profiles = []config.ProfileConfig{
		{ID: "a", Provider: "anthropic", APIKey: "sk-ant-1", Model: "m", Priority: 0},
		{ID: "o2", Provider: "openai", APIKey: "sk-backup", Model: "m", Priority: 9},
		{ID: "o1", Provider: "openai", APIKey: "sk-primary", Model: "m", Priority: 1},
	}

	assert.Equal(t, "sk-primary", firstKeyFor(cfg, provider.VendorOpenAI))
	assert.Equal(t, "sk-ant-1", firstKeyFor(cfg, provider.VendorAnthropic))
	assert.Equal(t, "", firstKeyFor(cfg, provider.VendorOpenAICompatible))
}
