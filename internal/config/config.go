// Package config loads the host tool's YAML configuration: serial port
// parameters and telemetry buffer sizing. All fields are optional; the zero
// configuration normalizes to working defaults for a MicroPython board on
// USB CDC.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shengt25/micropython-plotter-poc/internal/session"
	"github.com/shengt25/micropython-plotter-poc/internal/telemetry"
)

// Config is the root configuration document.
type Config struct {
	Port      PortConfig      `yaml:"port"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// PortConfig selects and configures the serial device.
type PortConfig struct {
	// Device is the port path, e.g. /dev/ttyACM0 or COM3. Empty means
	// auto-detect a Pico board.
	Device string `yaml:"device"`

	session.PortOptions `yaml:",inline"`
}

// TelemetryConfig sizes the sample buffer.
type TelemetryConfig struct {
	// Capacity is the maximum number of undrained samples held for the
	// consumer; 0 uses the package default.
	Capacity int `yaml:"capacity"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.normalize() // zero value always normalizes
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// normalize validates the document and fills in defaults.
func (c *Config) normalize() error {
	opts, err := c.Port.PortOptions.Normalize()
	if err != nil {
		return err
	}
	c.Port.PortOptions = opts

	if c.Telemetry.Capacity < 0 {
		return fmt.Errorf("telemetry capacity must not be negative, got %d", c.Telemetry.Capacity)
	}
	if c.Telemetry.Capacity == 0 {
		c.Telemetry.Capacity = telemetry.DefaultCapacity
	}
	return nil
}
