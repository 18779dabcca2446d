// Package config loads answerstream client configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Defaults for the session timers.
const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultMaxDuration = 600 * time.Second
)

// Config holds client configuration.
type Config struct {
	// Endpoint is the base URL of the answer backend.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// AuthToken is an optional bearer credential.
	AuthToken string `json:"authToken" yaml:"authToken"`
	// CSRFToken is an optional CSRF header value.
	CSRFToken string `json:"csrfToken" yaml:"csrfToken"`
	// IdleTimeoutMs bounds the time between consecutive stream events.
	IdleTimeoutMs int `json:"idleTimeoutMs" yaml:"idleTimeoutMs"`
	// MaxDurationMs bounds total session lifetime.
	MaxDurationMs int `json:"maxDurationMs" yaml:"maxDurationMs"`
	// LogLevel is the minimum log level (DEBUG|INFO|WARN|ERROR).
	LogLevel string `json:"logLevel" yaml:"logLevel"`
}

// IdleTimeout returns the configured idle timeout or the default.
func (c *Config) IdleTimeout() time.Duration {
	if c.IdleTimeoutMs <= 0 {
		return DefaultIdleTimeout
	}
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// MaxDuration returns the configured max duration or the default.
func (c *Config) MaxDuration() time.Duration {
	if c.MaxDurationMs <= 0 {
		return DefaultMaxDuration
	}
	return time.Duration(c.MaxDurationMs) * time.Millisecond
}

// Load loads configuration from multiple sources (priority order):
// 1. Config file in the user config dir (~/.config/answerstream/)
// 2. ANSWERSTREAM_CONFIG file override
// 3. Environment variables (highest priority)
func Load() (*Config, error) {
	config := &Config{}

	// 1. User config dir
	if dir, err := os.UserConfigDir(); err == nil {
		base := filepath.Join(dir, "answerstream")
		for _, name := range []string{"config.json", "config.jsonc", "config.yaml", "config.yml"} {
			path := filepath.Join(base, name)
			if _, err := os.Stat(path); err == nil {
				if err := loadFile(path, config); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	// 2. Explicit config file override
	if path := os.Getenv("ANSWERSTREAM_CONFIG"); path != "" {
		if err := loadFile(path, config); err != nil {
			return nil, err
		}
	}

	// 3. Environment variables
	applyEnv(config)

	return config, nil
}

// loadFile merges one config file into config. JSON files may carry
// comments and trailing commas (JSONC).
func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), config); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv overlays ANSWERSTREAM_* environment variables.
func applyEnv(config *Config) {
	if v := os.Getenv("ANSWERSTREAM_ENDPOINT"); v != "" {
		config.Endpoint = v
	}
	if v := os.Getenv("ANSWERSTREAM_AUTH_TOKEN"); v != "" {
		config.AuthToken = v
	}
	if v := os.Getenv("ANSWERSTREAM_CSRF_TOKEN"); v != "" {
		config.CSRFToken = v
	}
	if v := os.Getenv("ANSWERSTREAM_IDLE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.IdleTimeoutMs = n
		}
	}
	if v := os.Getenv("ANSWERSTREAM_MAX_DURATION_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.MaxDurationMs = n
		}
	}
	if v := os.Getenv("ANSWERSTREAM_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
}
