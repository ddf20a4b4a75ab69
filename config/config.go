// Package config loads enginestream settings from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bazelment/yoloswe/enginestream/convert"
	"github.com/bazelment/yoloswe/enginestream/engine"
	"github.com/bazelment/yoloswe/enginestream/history"
)

// EnvPath names the environment variable that overrides the config path.
const EnvPath = "ENGINESTREAM_CONFIG"

// DefaultFileName is looked up in the working directory when neither a
// path nor EnvPath is given.
const DefaultFileName = ".enginestream.yaml"

// BusConfig configures the event-bus transport.
type BusConfig struct {
	// WebsocketURL, when set, makes commands listen on a remote wsbus
	// server instead of an in-process bus.
	WebsocketURL string `yaml:"websocket_url"`
}

// HistoryConfig configures transcript loading and following.
type HistoryConfig struct {
	MaxLineBytes int `yaml:"max_line_bytes"`
}

// Config holds enginestream settings.
type Config struct {
	DefaultEngine  string        `yaml:"default_engine"`
	TabID          string        `yaml:"tab_id"`
	LogLevel       string        `yaml:"log_level"`
	Bus            BusConfig     `yaml:"bus"`
	ConverterOrder []string      `yaml:"converter_order"`
	History        HistoryConfig `yaml:"history"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultEngine:  string(engine.Claude),
		LogLevel:       "info",
		ConverterOrder: []string{string(engine.Claude), string(engine.Codex), string(engine.Gemini)},
		History:        HistoryConfig{MaxLineBytes: history.DefaultMaxLineBytes},
	}
}

// ResolvePath picks the config path: explicit path, then EnvPath, then
// DefaultFileName in the working directory.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return filepath.Clean(DefaultFileName)
}

// Load reads the config at ResolvePath(path). Returns the defaults if the
// file doesn't exist.
func Load(path string) (*Config, error) {
	resolved := ResolvePath(path)
	data, err := os.ReadFile(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
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

// Validate checks engine names and the log level.
func (c *Config) Validate() error {
	if _, err := engine.Parse(c.DefaultEngine); err != nil {
		return fmt.Errorf("default_engine: %w", err)
	}
	for _, name := range c.ConverterOrder {
		if _, err := engine.Parse(name); err != nil {
			return fmt.Errorf("converter_order: %w", err)
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.History.MaxLineBytes < 0 {
		return fmt.Errorf("history.max_line_bytes must not be negative")
	}
	return nil
}

// Engine returns the default engine.
func (c *Config) Engine() engine.Type {
	e, err := engine.Parse(c.DefaultEngine)
	if err != nil {
		return engine.Claude
	}
	return e
}

// Order returns the configured converter order.
func (c *Config) Order() []engine.Type {
	out := make([]engine.Type, 0, len(c.ConverterOrder))
	for _, name := range c.ConverterOrder {
		if e, err := engine.Parse(name); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// NewRegistry builds a converter registry honoring the configured order
// and default engine.
func (c *Config) NewRegistry(opts ...convert.Option) *convert.Registry {
	return convert.NewOrderedRegistry(c.Engine(), c.Order(), opts...)
}

// Level returns the configured slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	l, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// ParseLevel maps debug/info/warn/error to a slog level. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
}
