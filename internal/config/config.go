// Package config loads uartterm settings from a YAML file, the environment
// and command-line flags, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	uart "github.com/luhtfiimanal/go-uart"
)

// EnvDevice overrides the configured device.
const EnvDevice = "UART_DEVICE"

// Drivers
const (
	DriverSystem = "system"
	DriverLinux  = "linux"
)

// Config holds the terminal settings.
type Config struct {
	Device     string `yaml:"device"`      // empty: choose interactively
	BaudRate   int    `yaml:"baud_rate"`   // default 9600
	Driver     string `yaml:"driver"`      // system or linux
	Display    string `yaml:"display"`     // auto, text or hex
	LineEnding string `yaml:"line_ending"` // crlf, lf, cr or none
	WebAddr    string `yaml:"web_addr"`    // serve the websocket bridge instead of the console
	LogLevel   string `yaml:"log_level"`
	NoColor    bool   `yaml:"no_color"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		BaudRate:   uart.DefaultBaudRate,
		Driver:     DriverSystem,
		Display:    "auto",
		LineEnding: "lf",
		LogLevel:   "warn",
	}
}

// Load reads path on top of the defaults and applies the environment.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if dev := os.Getenv(EnvDevice); dev != "" {
		cfg.Device = dev
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	if c.BaudRate < 0 {
		errs = append(errs, fmt.Errorf("baud_rate must be positive, got %d", c.BaudRate))
	}
	switch c.Driver {
	case DriverSystem, DriverLinux:
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q", c.Driver))
	}
	if _, err := uart.ParseDisplayMode(c.Display); err != nil {
		errs = append(errs, err)
	}
	if _, err := uart.ParseLineEnding(c.LineEnding); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DisplayMode returns the parsed display mode. Call Validate first.
func (c Config) DisplayMode() uart.DisplayMode {
	d, _ := uart.ParseDisplayMode(c.Display)
	return d
}

// LineEndingBytes returns the parsed line ending. Call Validate first.
func (c Config) LineEndingBytes() string {
	s, _ := uart.ParseLineEnding(c.LineEnding)
	return s
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
