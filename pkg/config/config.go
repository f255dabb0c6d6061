// Package config loads the run configuration: meter targets, run mode,
// calibration limits, transport policy, store backend and the optional
// status listener.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/enermet/metercal/pkg/registers"
	"github.com/enermet/metercal/pkg/session"
)

type Config struct {
	Run       RunConfig       `yaml:"run"`
	Transport TransportConfig `yaml:"transport"`
	Calibrate CalibrateConfig `yaml:"calibrate"`
	Store     StoreConfig     `yaml:"store"`
	Targets   []TargetConfig  `yaml:"targets"`
	// Listen enables the live status API (host:port) when set.
	Listen string `yaml:"listen,omitempty"`
}

type RunConfig struct {
	// Mode is "sequential" or "parallel".
	Mode           string `yaml:"mode"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	// Simulate substitutes simulated devices for the TCP transport.
	Simulate bool `yaml:"simulate"`
	// AutoConfirm skips operator prompts.
	AutoConfirm bool `yaml:"auto_confirm"`
}

type TransportConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

type CalibrateConfig struct {
	// TolerancePercent is the maximum acceptable |error|.
	TolerancePercent  float64 `yaml:"tolerance_percent"`
	MaxAdjustAttempts int     `yaml:"max_adjust_attempts"`
	// References maps parameter names to the bench's true values.
	References map[string]float64 `yaml:"references"`
}

type StoreConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type TargetConfig struct {
	ID       string `yaml:"id"`
	Addr     string `yaml:"addr"`
	DeviceID byte   `yaml:"device_id"`
	Wiring   string `yaml:"wiring"`
	Serial   string `yaml:"serial,omitempty"`
	Model    string `yaml:"model,omitempty"`
	Type     string `yaml:"type,omitempty"`
}

// Default returns the bench defaults; a loaded file overrides them
// field by field.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Mode:           "sequential",
			MaxConcurrency: 4,
		},
		Transport: TransportConfig{
			Timeout: 2 * time.Second,
			Retries: 3,
		},
		Calibrate: CalibrateConfig{
			TolerancePercent:  1.0,
			MaxAdjustAttempts: 3,
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    "metercal-state",
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses a configuration file over the defaults without
// validating, so callers can apply command-line overrides first.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the run could not honor.
func (c *Config) Validate() error {
	switch c.Run.Mode {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("run.mode must be sequential or parallel, got %q", c.Run.Mode)
	}
	if c.Run.Mode == "parallel" && c.Run.MaxConcurrency < 1 {
		return fmt.Errorf("run.max_concurrency must be at least 1, got %d", c.Run.MaxConcurrency)
	}
	if c.Transport.Retries < 0 {
		return fmt.Errorf("transport.retries must not be negative, got %d", c.Transport.Retries)
	}
	if c.Calibrate.TolerancePercent <= 0 {
		return fmt.Errorf("calibrate.tolerance_percent must be positive, got %v", c.Calibrate.TolerancePercent)
	}
	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.backend must be file or sqlite, got %q", c.Store.Backend)
	}
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.ID == "" {
			return fmt.Errorf("targets[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("targets[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		if !c.Run.Simulate && t.Addr == "" {
			return fmt.Errorf("target %s: addr is required outside simulation", t.ID)
		}
		if !registers.Wiring(t.Wiring).Valid() {
			return fmt.Errorf("target %s: unknown wiring %q", t.ID, t.Wiring)
		}
	}
	return nil
}

// SessionTargets converts the configured targets to the core's type.
func (c *Config) SessionTargets() []session.Target {
	out := make([]session.Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, session.Target{
			ID:       t.ID,
			Addr:     t.Addr,
			DeviceID: t.DeviceID,
			Wiring:   registers.Wiring(t.Wiring),
			Serial:   t.Serial,
			Model:    t.Model,
			Type:     t.Type,
		})
	}
	return out
}
