package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel      string `yaml:"log_level" default:"info"`
	Role          string `yaml:"role" default:"central"`
	QueueCapacity int    `yaml:"queue_capacity" default:"1"`

	Source     SourceConfig     `yaml:"source"`
	Central    CentralConfig    `yaml:"central"`
	Peripheral PeripheralConfig `yaml:"peripheral"`
}

// SourceConfig selects the local MIDI endpoint.
type SourceConfig struct {
	Kind    string `yaml:"kind" default:"midiport"` // midiport | pty
	Port    string `yaml:"port"`                    // empty selects the first port
	Output  string `yaml:"output"`                  // midiport output for inbound events, peripheral role
	Symlink string `yaml:"symlink"`                 // pty only
}

// CentralConfig configures the central role.
type CentralConfig struct {
	Backend            string        `yaml:"backend" default:"goble"` // goble | tinygo
	TargetName         string        `yaml:"target_name"`
	Match              string        `yaml:"match" default:"substring"`
	IgnoreCase         bool          `yaml:"ignore_case"`
	ServiceUUID        string        `yaml:"service_uuid"`
	CharacteristicUUID string        `yaml:"characteristic_uuid" default:"7772E5DB-3868-4112-A1A9-F2669D106BF3"`
	DiscoveryWindow    time.Duration `yaml:"discovery_window" default:"4s"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"30s"`
}

// PeripheralConfig configures the peripheral role.
type PeripheralConfig struct {
	Name            string        `yaml:"name" default:"blemidi"`
	PowerOnTimeout  time.Duration `yaml:"power_on_timeout" default:"10s"`
	ResponseTimeout time.Duration `yaml:"response_timeout" default:"2s"`
	InboundBuffer   uint32        `yaml:"inbound_buffer" default:"256"`
}

// Default returns default configuration values
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	defaults.SetDefaults(&cfg.Source)
	defaults.SetDefaults(&cfg.Central)
	defaults.SetDefaults(&cfg.Peripheral)
	return cfg
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Level returns the parsed log level.
func (c *Config) Level() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Validate checks values that do not depend on the selected role.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Role {
	case "central", "peripheral":
	default:
		errs = append(errs, fmt.Errorf("invalid role %q (expected central or peripheral)", c.Role))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity))
	}
	switch c.Source.Kind {
	case "midiport", "pty":
	default:
		errs = append(errs, fmt.Errorf("invalid source.kind %q (expected midiport or pty)", c.Source.Kind))
	}
	if c.Source.Symlink != "" && c.Source.Kind != "pty" {
		errs = append(errs, fmt.Errorf("source.symlink requires source.kind pty"))
	}
	if c.Source.Output != "" && c.Source.Kind != "midiport" {
		errs = append(errs, fmt.Errorf("source.output requires source.kind midiport"))
	}

	switch c.Central.Backend {
	case "goble", "tinygo":
	default:
		errs = append(errs, fmt.Errorf("invalid central.backend %q (expected goble or tinygo)", c.Central.Backend))
	}
	switch c.Central.Match {
	case "substring", "exact", "prefix":
	default:
		errs = append(errs, fmt.Errorf("invalid central.match %q (expected substring, exact or prefix)", c.Central.Match))
	}
	if c.Central.DiscoveryWindow <= 0 {
		errs = append(errs, fmt.Errorf("central.discovery_window must be positive"))
	}
	if c.Central.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("central.connect_timeout must be positive"))
	}
	if c.Role == "central" && c.Central.TargetName == "" {
		errs = append(errs, fmt.Errorf("central.target_name is required for the central role"))
	}

	if c.Peripheral.PowerOnTimeout <= 0 {
		errs = append(errs, fmt.Errorf("peripheral.power_on_timeout must be positive"))
	}
	if c.Peripheral.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("peripheral.response_timeout must be positive"))
	}
	if c.Peripheral.InboundBuffer == 0 {
		errs = append(errs, fmt.Errorf("peripheral.inbound_buffer must be positive"))
	}
	return errors.Join(errs...)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	lvl, err := c.Level()
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
