package config

import (
	"encoding/json"
	"fmt"
)

// Config is the full daemon configuration, read from ~/.manus/manus.json
// with MANUS_* environment overrides.
type Config struct {
	// DataDir holds everything the daemon persists: sessions, memory,
	// cron registry, logs. Defaults to ~/.manus.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	AI      AIConfig      `json:"ai" mapstructure:"ai"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	Tools   ToolsConfig   `json:"tools" mapstructure:"tools"`
	Browser BrowserConfig `json:"browser" mapstructure:"browser"`
	Memory  MemoryConfig  `json:"memory" mapstructure:"memory"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Cron    CronConfig    `json:"cron" mapstructure:"cron"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// AIConfig holds the provider chain.
type AIConfig struct {
	Profiles []ProfileConfig `json:"profiles" mapstructure:"profiles"`
}

// ProfileConfig is one provider endpoint. Lower priority numbers are
// tried first.
type ProfileConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Provider       string `json:"provider" mapstructure:"provider"` // anthropic, openai, openai_compatible
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	BaseURL        string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model          string `json:"model" mapstructure:"model"`
	Priority       int    `json:"priority" mapstructure:"priority"`
	SupportsTools  bool   `json:"supports_tools" mapstructure:"supports_tools"`
	SupportsVision bool   `json:"supports_vision" mapstructure:"supports_vision"`
}

// AgentConfig tunes the session engine and the provider router.
type AgentConfig struct {
	MaxCycles              int     `json:"max_cycles" mapstructure:"max_cycles"`
	Temperature            float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens              int     `json:"max_tokens" mapstructure:"max_tokens"`
	ContextBudget          int     `json:"context_budget" mapstructure:"context_budget"`
	ProviderTimeoutSeconds int     `json:"provider_timeout_seconds" mapstructure:"provider_timeout_seconds"`
	CooldownSeconds        int     `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
	MalformedThreshold     int     `json:"malformed_threshold" mapstructure:"malformed_threshold"`
	TruncateHead           int     `json:"truncate_head" mapstructure:"truncate_head"`
	TruncateTail           int     `json:"truncate_tail" mapstructure:"truncate_tail"`
	UseMemory              bool    `json:"use_memory" mapstructure:"use_memory"`
}

// ToolsConfig tunes the built-in tool set.
type ToolsConfig struct {
	// Enabled restricts registration to the named tools. Empty enables
	// everything.
	Enabled []string `json:"enabled,omitempty" mapstructure:"enabled"`
	// TimeoutSeconds is the execution deadline applied to tool calls.
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	WorkspacePath  string `json:"workspace_path" mapstructure:"workspace_path"`
	TavilyAPIKey   string `json:"tavily_api_key,omitempty" mapstructure:"tavily_api_key"`
}

// BrowserConfig controls the shared Chrome process.
type BrowserConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Headless   bool   `json:"headless" mapstructure:"headless"`
	ChromePath string `json:"chrome_path,omitempty" mapstructure:"chrome_path"`
	NoSandbox  bool   `json:"no_sandbox" mapstructure:"no_sandbox"`
}

// MemoryConfig controls the persistent store.
type MemoryConfig struct {
	DBPath       string `json:"db_path" mapstructure:"db_path"`
	KnowledgeDir string `json:"knowledge_dir" mapstructure:"knowledge_dir"`
	// EmbeddingProvider switches knowledge search from keyword-only to
	// vector search. Empty or "openai".
	EmbeddingProvider string `json:"embedding_provider,omitempty" mapstructure:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model,omitempty" mapstructure:"embedding_model"`
	EmbeddingAPIKey   string `json:"embedding_api_key,omitempty" mapstructure:"embedding_api_key"`
}

// GatewayConfig holds the operator surface settings.
type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimit    int    `json:"rate_limit" mapstructure:"rate_limit"`
}

// Addr joins host and port for net.Listen.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// CronConfig holds scheduler settings.
type CronConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// LoggingConfig mirrors internal/logger.Config.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values. Path fields that
// default under the data directory are left empty here and filled by the
// loader once the data directory is known.
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Profiles: []ProfileConfig{},
		},
		Agent: AgentConfig{
			MaxCycles:              20,
			Temperature:            0.7,
			MaxTokens:              4096,
			ContextBudget:          60000,
			ProviderTimeoutSeconds: 120,
			CooldownSeconds:        60,
			MalformedThreshold:     2,
			TruncateHead:           4000,
			TruncateTail:           4000,
			UseMemory:              true,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 30,
		},
		Browser: BrowserConfig{
			Enabled:  true,
			Headless: true,
		},
		Gateway: GatewayConfig{
			Host:      "127.0.0.1",
			Port:      7360,
			RateLimit: 60,
		},
		Cron: CronConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// String returns an indented JSON rendering with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]ProfileConfig, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		p.APIKey = maskSecret(p.APIKey)
		masked.AI.Profiles[i] = p
	}
	masked.Gateway.SharedSecret = maskSecret(c.Gateway.SharedSecret)
	masked.Tools.TavilyAPIKey = maskSecret(c.Tools.TavilyAPIKey)
	masked.Memory.EmbeddingAPIKey = maskSecret(c.Memory.EmbeddingAPIKey)

	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// Validate checks the configuration for conditions the daemon cannot
// start under.
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one profile under ai.profiles is required")
	}

	seen := make(map[string]bool, len(c.AI.Profiles))
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("ai profile %d: id is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("ai profile %s: duplicate id", profile.ID)
		}
		seen[profile.ID] = true

		switch profile.Provider {
		case "anthropic", "openai":
		case "openai_compatible":
			if profile.BaseURL == "" {
				return fmt.Errorf("ai profile %s: openai_compatible requires base_url", profile.ID)
			}
		case "":
			return fmt.Errorf("ai profile %s: provider is required", profile.ID)
		default:
			return fmt.Errorf("ai profile %s: invalid provider %q (must be: anthropic, openai, openai_compatible)", profile.ID, profile.Provider)
		}

		if profile.APIKey == "" {
			return fmt.Errorf("ai profile %s: api_key is required", profile.ID)
		}
		if profile.Model == "" {
			return fmt.Errorf("ai profile %s: model is required", profile.ID)
		}
	}

	if c.Agent.MaxCycles < 0 {
		return fmt.Errorf("agent.max_cycles must be >= 0")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 1 {
		return fmt.Errorf("agent.temperature must be between 0 and 1")
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be a valid port number")
	}

	return nil
}
