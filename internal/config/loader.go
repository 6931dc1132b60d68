package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader reads and writes the configuration file.
type Loader struct {
	configPath string
}

// NewLoader creates a loader. An empty path means ~/.manus/manus.json.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file, applies MANUS_* environment overrides and
// fills data-dir derived paths. A missing file yields the defaults, so a
// fresh install can run `manus configure` or rely on env vars alone.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("cannot determine config path: no home directory")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("MANUS")
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".manus")
	}

	applyDataDirDefaults(cfg)

	return cfg, nil
}

// applyDataDirDefaults fills the path fields that live under the data
// directory unless the config pinned them elsewhere.
func applyDataDirDefaults(cfg *Config) {
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "manus.log")
	}
	if cfg.Tools.WorkspacePath == "" {
		cfg.Tools.WorkspacePath = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(cfg.DataDir, "memory.db")
	}
	if cfg.Memory.KnowledgeDir == "" {
		cfg.Memory.KnowledgeDir = filepath.Join(cfg.DataDir, "knowledge")
	}
	if cfg.Cron.StorePath == "" {
		cfg.Cron.StorePath = filepath.Join(cfg.DataDir, "cron", "jobs.json")
	}
}

// Save writes the configuration to the config file.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("cannot determine config path: no home directory")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("ai", cfg.AI)
	v.Set("agent", cfg.Agent)
	v.Set("tools", cfg.Tools)
	v.Set("browser", cfg.Browser)
	v.Set("memory", cfg.Memory)
	v.Set("gateway", cfg.Gateway)
	v.Set("cron", cfg.Cron)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			return nil
		}
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the effective config file path.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".manus", "manus.json")
}

// Load is a convenience wrapper for one-shot loads.
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
