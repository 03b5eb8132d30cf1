package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "opsboard.yml"

// Config models opsboard.yml.
type Config struct {
	Workflow struct {
		QuickStatus struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"quick_status"`
	} `yaml:"workflow"`
	Checklist struct {
		DefaultTemplate []string `yaml:"default_template"`
	} `yaml:"checklist"`
	Cache struct {
		Size int `yaml:"size"`
	} `yaml:"cache"`
	Notify struct {
		PollInterval string `yaml:"poll_interval"`
		Buffer       int    `yaml:"buffer"`
	} `yaml:"notify"`
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// IsEnabled treats a missing enabled flag as true.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Cache.Size < 0 {
		return fmt.Errorf("config.cache.size must not be negative")
	}
	if c.Notify.Buffer < 0 {
		return fmt.Errorf("config.notify.buffer must not be negative")
	}
	if c.Notify.PollInterval != "" {
		d, err := time.ParseDuration(c.Notify.PollInterval)
		if err != nil {
			return fmt.Errorf("config.notify.poll_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.notify.poll_interval must be positive")
		}
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, item := range c.Checklist.DefaultTemplate {
		if strings.TrimSpace(item) == "" {
			return fmt.Errorf("config.checklist.default_template[%d] is empty", i)
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http(s)", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// PollInterval returns the notify poll interval, defaulting to 500ms.
func (c *Config) PollInterval() time.Duration {
	if d, err := time.ParseDuration(c.Notify.PollInterval); err == nil && d > 0 {
		return d
	}
	return 500 * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run opsboard init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		return nil, fmt.Errorf("default config yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workflow:
  quick_status:
    # Lets managers complete todo/in-progress tasks without a review, until
    # the task's first review in its current cycle.
    enabled: true

checklist:
  default_template:
    - "Work matches the task description"
    - "Deliverables attached or linked"
    - "Self-review done"

cache:
  size: 512

notify:
  poll_interval: 500ms
  buffer: 64

server:
  base_path: /v1

webhooks: []
`
