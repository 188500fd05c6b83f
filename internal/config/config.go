package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxCallsignLength = 20
	defaultMaxTitleLength    = 50
)

// Config models centuria.yml.
type Config struct {
	// AdminIDs are person identifiers seeded with the Administrator role
	// at bootstrap. They can never be seeded below Centurion rank.
	AdminIDs []string `yaml:"admin_ids"`

	Limits struct {
		MaxCallsignLength int `yaml:"max_callsign_length"`
		MaxTitleLength    int `yaml:"max_title_length"`
	} `yaml:"limits"`

	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig names an endpoint the event log is streamed to.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Default returns a config with built-in limits and no administrators.
func Default() *Config {
	c := &Config{}
	c.Limits.MaxCallsignLength = defaultMaxCallsignLength
	c.Limits.MaxTitleLength = defaultMaxTitleLength
	return c
}

// Path returns the config file location for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".centuria", "centuria.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Limits.MaxCallsignLength <= 0 {
		return fmt.Errorf("config.limits.max_callsign_length must be positive")
	}
	if c.Limits.MaxTitleLength <= 0 {
		return fmt.Errorf("config.limits.max_title_length must be positive")
	}
	for i, id := range c.AdminIDs {
		if id == "" {
			return fmt.Errorf("config.admin_ids[%d] is empty", i)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes the config into the workspace.
func (c *Config) Save(workspace string) error {
	data, err := c.ToYAML()
	if err != nil {
		return err
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
