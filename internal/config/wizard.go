package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Wizard walks an operator through first-time setup and returns a config
// ready to save.
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a wizard reading from stdin.
func NewWizard() *Wizard {
	return &Wizard{reader: bufio.NewReader(os.Stdin)}
}

// Run collects provider credentials, the gateway secret and the basic
// toggles. At least one provider profile is required.
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Manus Configuration ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	fmt.Println("Provider credentials (at least one is required):")
	fmt.Println()

	for {
		fmt.Print("Anthropic API key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, "anthropic"); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		fmt.Print("Anthropic model [claude-sonnet-4-5]: ")
		model, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if model == "" {
			model = "claude-sonnet-4-5"
		}

		cfg.AI.Profiles = append(cfg.AI.Profiles, ProfileConfig{
			ID:             "anthropic-primary",
			Provider:       "anthropic",
			APIKey:         key,
			Model:          model,
			Priority:       len(cfg.AI.Profiles),
			SupportsTools:  true,
			SupportsVision: true,
		})
		break
	}

	for {
		fmt.Print("OpenAI API key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, "openai"); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		fmt.Print("OpenAI model [gpt-4o]: ")
		model, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if model == "" {
			model = "gpt-4o"
		}

		cfg.AI.Profiles = append(cfg.AI.Profiles, ProfileConfig{
			ID:             "openai-fallback",
			Provider:       "openai",
			APIKey:         key,
			Model:          model,
			Priority:       len(cfg.AI.Profiles),
			SupportsTools:  true,
			SupportsVision: true,
		})
		break
	}

	if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one provider API key is required")
	}

	fmt.Println()
	fmt.Println("Gateway:")
	fmt.Print("Shared secret (press Enter to generate one): ")
	secret, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if secret == "" {
		secret, err = generateSecret()
		if err != nil {
			return nil, err
		}
		fmt.Printf("Generated shared secret: %s\n", secret)
	}
	cfg.Gateway.SharedSecret = secret

	fmt.Println()
	fmt.Print("Enable the browser tools? (y/n) [y]: ")
	browse, err := w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.Browser.Enabled = browse == "" || strings.EqualFold(browse, "y")

	fmt.Println()
	fmt.Print("Tavily API key for web search (press Enter to skip): ")
	tavily, err := w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.Tools.TavilyAPIKey = tavily

	fmt.Println()
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete.")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
