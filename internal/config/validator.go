package config

import (
	"fmt"
	"strings"
)

// Validator checks individual configuration values. The wizard uses it
// field by field; ValidateConfig aggregates everything that is merely
// suspect rather than fatal.
type Validator struct{}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format for known vendors.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider validates a provider vendor name.
func (v *Validator) ValidateProvider(provider string) error {
	valid := []string{"anthropic", "openai", "openai_compatible"}
	for _, candidate := range valid {
		if provider == candidate {
			return nil
		}
	}
	return fmt.Errorf("invalid provider: %s (must be one of: %s)", provider, strings.Join(valid, ", "))
}

// ValidateTemperature validates a sampling temperature.
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates a completion token bound.
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates a log level name.
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig collects non-fatal issues across the whole config. The
// hard requirements live in Config.Validate; this catches the rest.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.AI.Profiles {
		if profile.Provider == "anthropic" || profile.Provider == "openai" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("ai profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	if cfg.Agent.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Agent.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Agent.TruncateHead < 0 || cfg.Agent.TruncateTail < 0 {
		errors = append(errors, fmt.Errorf("agent truncation shares must be >= 0"))
	}
	if cfg.Agent.CooldownSeconds < 0 {
		errors = append(errors, fmt.Errorf("agent.cooldown_seconds must be >= 0"))
	}
	if cfg.Agent.MalformedThreshold < 0 {
		errors = append(errors, fmt.Errorf("agent.malformed_threshold must be >= 0"))
	}

	if cfg.Tools.TimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("tools.timeout_seconds must be >= 0"))
	}

	if cfg.Memory.EmbeddingProvider != "" && cfg.Memory.EmbeddingProvider != "openai" {
		errors = append(errors, fmt.Errorf("invalid embedding provider: %s (must be empty or openai)", cfg.Memory.EmbeddingProvider))
	}
	if cfg.Memory.EmbeddingProvider != "" && cfg.Memory.EmbeddingAPIKey == "" {
		errors = append(errors, fmt.Errorf("memory.embedding_api_key is required when an embedding provider is set"))
	}

	if cfg.Gateway.RateLimit < 0 {
		errors = append(errors, fmt.Errorf("gateway.rate_limit must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
