// Package config loads and validates the agent configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the agent configuration. Every field has a default; the file
// only needs to override what differs.
type Config struct {
	Device struct {
		DataDir string `yaml:"data_dir" validate:"required"`
		ChildID string `yaml:"child_id"`
	} `yaml:"device"`

	Cloud struct {
		BaseURL      string        `yaml:"base_url" validate:"omitempty,url"`
		LocalBaseURL string        `yaml:"local_base_url" validate:"omitempty,url"`
		Timeout      time.Duration `yaml:"timeout" validate:"min=0"`
		TickInterval time.Duration `yaml:"tick_interval" validate:"required,min=5s,max=10m"`
	} `yaml:"cloud"`

	Enforcement struct {
		IdleThreshold time.Duration `yaml:"idle_threshold" validate:"min=0"`
	} `yaml:"enforcement"`

	Logging struct {
		Path  string `yaml:"path"`
		Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	} `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	home, _ := os.UserHomeDir()
	cfg.Device.DataDir = filepath.Join(home, ".hearthd")
	cfg.Cloud.BaseURL = "https://cloud.hearthguard.io/api/v1"
	cfg.Cloud.Timeout = 10 * time.Second
	cfg.Cloud.TickInterval = 30 * time.Second
	cfg.Enforcement.IdleThreshold = 3 * time.Minute
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads the YAML file at path over the defaults and validates the
// result. A missing file is fine: the defaults are a complete config.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return cfg, fmt.Errorf("invalid config field %s: %s", verrs[0].Namespace(), verrs[0].Tag())
		}
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
