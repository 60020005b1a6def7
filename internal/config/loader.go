// Package config loads CLI configuration files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the objwatch CLI.
// Zero values mean "unspecified" and are replaced by defaults or flags.
type Config struct {
	// TickIntervalMS is the scheduler cadence in milliseconds.
	TickIntervalMS int `json:"tick_interval_ms" yaml:"tick_interval_ms" toml:"tick_interval_ms"`

	// Changelog is the path of the SQLite change log; empty disables it.
	Changelog string `json:"changelog" yaml:"changelog" toml:"changelog"`

	// LogLevel is a zerolog level name ("debug", "info", ...).
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	// Types limits watched change types; empty means all.
	Types []string `json:"types" yaml:"types" toml:"types"`
}

// TickInterval returns the configured cadence as a duration.
// Zero when unspecified.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
