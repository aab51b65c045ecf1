// Package config loads and validates the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daringsby/psyche/core"
)

// Duration is a YAML-friendly time.Duration ("10s", "500ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration, or fallback when unset.
func (d Duration) Std(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// StoreConfig selects and parameterizes the memory backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

// ModelConfig selects the language model provider.
type ModelConfig struct {
	// Provider is "openai", "anthropic" or "mock".
	Provider string `yaml:"provider"`
	// Name is the provider model identifier.
	Name string `yaml:"name"`
	// APIKeyEnv names the environment variable holding the key. Empty uses
	// the provider SDK default.
	APIKeyEnv string `yaml:"api_key_env"`
}

// LoggingConfig shapes the structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// WitConfig declares one distiller unit.
type WitConfig struct {
	Name           string   `yaml:"name"`
	Level          string   `yaml:"level"`
	CountThreshold int      `yaml:"count_threshold"`
	Quiescence     Duration `yaml:"quiescence"`
	RecallLimit    int      `yaml:"recall_limit"`
	Instruction    string   `yaml:"instruction"`
	// Feedback names the wit that receives this wit's impressions.
	Feedback string `yaml:"feedback"`
	// Sources lists ingress path prefixes routed into this wit.
	Sources []string `yaml:"sources"`
}

// WillConfig declares the decision engine.
type WillConfig struct {
	Level       string   `yaml:"level"`
	MinInterval Duration `yaml:"min_interval"`
	RecallLimit int      `yaml:"recall_limit"`
	Instruction string   `yaml:"instruction"`
}

// MotorConfig declares the action subsystem.
type MotorConfig struct {
	// Enabled lists built-in motors to register: say, log, read_file.
	Enabled []string `yaml:"enabled"`
	// WorkspaceRoot confines the read_file motor.
	WorkspaceRoot string `yaml:"workspace_root"`
	// MaxConcurrent bounds parallel motor calls.
	MaxConcurrent int64    `yaml:"max_concurrent"`
	CallTimeout   Duration `yaml:"call_timeout"`
}

// SupervisorConfig shapes restart and shutdown behavior.
type SupervisorConfig struct {
	RestartBackoff  Duration `yaml:"restart_backoff"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Config is the daemon's full configuration.
type Config struct {
	Socket          string           `yaml:"socket"`
	Store           StoreConfig      `yaml:"store"`
	Model           ModelConfig      `yaml:"model"`
	Logging         LoggingConfig    `yaml:"logging"`
	Wits            []WitConfig      `yaml:"wits"`
	Will            WillConfig       `yaml:"will"`
	Motors          MotorConfig      `yaml:"motors"`
	Supervisor      SupervisorConfig `yaml:"supervisor"`
	HealthThreshold int              `yaml:"health_threshold"`
}

// Default returns the configuration used when a field is left unset: an
// in-memory store, a mock model, an instant -> situation wit chain and the
// say/log motors.
func Default() *Config {
	return &Config{
		Socket: "/tmp/psyche.sock",
		Store:  StoreConfig{Backend: "memory", Path: "psyche.db"},
		Model:  ModelConfig{Provider: "mock", Name: "mock"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Wits: []WitConfig{
			{Name: "instant", Level: "instant", CountThreshold: 5, Feedback: "situation", Sources: []string{""}},
			{Name: "situation", Level: "situation", CountThreshold: 3},
		},
		Will:            WillConfig{Level: "situation", RecallLimit: 4},
		Motors:          MotorConfig{Enabled: []string{"say", "log"}, WorkspaceRoot: ".", MaxConcurrent: 4},
		HealthThreshold: 5,
	}
}

// Load reads, merges over defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket path is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Model.Provider {
	case "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}

	if len(c.Wits) == 0 {
		return fmt.Errorf("at least one wit is required")
	}
	names := make(map[string]bool, len(c.Wits))
	for i, w := range c.Wits {
		if w.Name == "" {
			return fmt.Errorf("wits[%d]: name is required", i)
		}
		if names[w.Name] {
			return fmt.Errorf("duplicate wit name %q", w.Name)
		}
		names[w.Name] = true
		if _, err := core.ParseLevel(w.Level); err != nil {
			return fmt.Errorf("wit %q: %w", w.Name, err)
		}
	}
	for _, w := range c.Wits {
		if w.Feedback != "" && !names[w.Feedback] {
			return fmt.Errorf("wit %q: feedback target %q is not a configured wit", w.Name, w.Feedback)
		}
	}
	if _, err := core.ParseLevel(c.Will.Level); err != nil {
		return fmt.Errorf("will: %w", err)
	}

	for _, m := range c.Motors.Enabled {
		switch m {
		case "say", "log", "read_file":
		default:
			return fmt.Errorf("unknown motor %q", m)
		}
	}
	return nil
}
