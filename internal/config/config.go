package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"taskrank/internal/domain"
	"taskrank/internal/logging"
	"taskrank/internal/urgency"
)

// Config models taskrank.yml.
type Config struct {
	Logging Logging `yaml:"logging"`
	Server  struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	History struct {
		// KeepOrphanSubtasks promotes subtask records whose parent record is
		// outside the queried range to top-level entries of the history tree.
		KeepOrphanSubtasks bool `yaml:"keep_orphan_subtasks"`
	} `yaml:"history"`
	Urgency struct {
		Formula     string            `yaml:"formula"`
		Description string            `yaml:"description"`
		Thresholds  domain.Thresholds `yaml:"thresholds"`
	} `yaml:"urgency"`
}

type Logging = logging.Options

var logLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with taskrank config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !logLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("config.logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if strings.TrimSpace(c.Urgency.Formula) == "" {
		return fmt.Errorf("config.urgency.formula is required")
	}
	if _, err := urgency.Compile(c.Urgency.Formula); err != nil {
		return fmt.Errorf("config.urgency.formula: %w", err)
	}
	th := c.Urgency.Thresholds
	if math.IsNaN(th.High) || math.IsInf(th.High, 0) || math.IsNaN(th.Medium) || math.IsInf(th.Medium, 0) {
		return fmt.Errorf("config.urgency.thresholds must be finite")
	}
	if th.Medium < 0 || th.High < th.Medium {
		return fmt.Errorf("config.urgency.thresholds must satisfy high >= medium >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskrank.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `logging:
  development: false
  level: info

server:
  addr: 127.0.0.1:8420
  base_path: /v0

history:
  keep_orphan_subtasks: false

urgency:
  formula: (effort * importance) / max(0.1, pow(daysLeft, 1.5))
  description: "default: (effort x importance) / daysLeft^1.5"
  thresholds:
    high: 10
    medium: 3
`
