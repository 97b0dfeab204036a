// Package config handles configuration for the leafmark persistence core.
// It provides functionality to load, save, and manage application settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the persistence-core configuration
type Config struct {
	DataDir          string        `yaml:"data_dir"`
	StatePath        string        `yaml:"state_path"`
	ProgressDebounce time.Duration `yaml:"progress_debounce"`
	LayoutDebounce   time.Duration `yaml:"layout_debounce"`
	UI               UIConfig      `yaml:"ui"`
}

// UIConfig holds the defaults handed to the viewer layer.
type UIConfig struct {
	SidebarWidth int    `yaml:"sidebar_width"`
	Theme        string `yaml:"theme"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "leafmark")
	return &Config{
		DataDir:          dataDir,
		StatePath:        filepath.Join(dataDir, "state.db"),
		ProgressDebounce: 500 * time.Millisecond,
		LayoutDebounce:   300 * time.Millisecond,
		UI: UIConfig{
			SidebarWidth: 384,
			Theme:        "light",
		},
	}
}

// LoadConfig loads configuration from file or returns default
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveConfig(cfg, configPath); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	cleanPath := filepath.Clean(configPath)

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	// state_path defaults relative to data_dir, so it is derived after the
	// file is applied rather than pre-filled.
	cfg.StatePath = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(cfg.DataDir, "state.db")
	}

	return cfg, nil
}

// SaveConfig saves configuration to file
func SaveConfig(cfg *Config, configPath string) error {
	cleanPath := filepath.Clean(configPath)

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cleanPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
