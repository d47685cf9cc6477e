// Package config loads the racebot YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"racebot/iracing"
	"racebot/pkg/racebot"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	IRacing  IRacingConfig   `yaml:"iracing"`
	Storage  StorageConfig   `yaml:"storage"`
	Channels []ChannelConfig `yaml:"channels"`
	Poll     PollConfig      `yaml:"poll"`
	Server   ServerConfig    `yaml:"server"`
}

// ServerConfig configures the HTTP host.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// PollConfig configures the poll loop. A zero interval disables background polling.
type PollConfig struct {
	Interval   time.Duration `yaml:"interval"`
	OnlineOnly bool          `yaml:"online_only"`
}

// IRacingConfig holds the remote service location and credentials.
type IRacingConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StorageConfig selects the preference store backend.
type StorageConfig struct {
	Bucket    string `yaml:"bucket"`
	LocalPath string `yaml:"local_path"`
}

// ChannelConfig is one output channel and its alert categories.
type ChannelConfig struct {
	ID         string `yaml:"id"`
	WebhookURL string `yaml:"webhook_url"`
	Email      string `yaml:"email"`

	racebot.AlertConfig `yaml:",inline"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Poll: PollConfig{
			Interval:   300 * time.Second,
			OnlineOnly: true,
		},
		IRacing: IRacingConfig{BaseURL: iracing.DefaultBaseURL},
	}
}

// Load reads the configuration at path. A missing file yields defaults.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("IRACING_USERNAME"); v != "" {
		c.IRacing.Username = v
	}
	if v := os.Getenv("IRACING_PASSWORD"); v != "" {
		c.IRacing.Password = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
	if v := os.Getenv("LOCAL_STORAGE"); v != "" {
		c.Storage.LocalPath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate checks channel IDs and the poll interval.
func (c *Config) Validate() error {
	if c.Poll.Interval < 0 {
		return fmt.Errorf("poll interval must not be negative: %s", c.Poll.Interval)
	}
	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channel %d: id is required", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = true
	}
	return nil
}
