// Package config loads gearman client/worker demo configuration from a YAML
// or TOML file, grounded on cinch's internal/config loader: try each known
// filename in order, parse with the format its extension implies, and
// report a distinguishable ErrNoConfig when none exist so callers can fall
// back to flag/env defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned when no config file is found in dir.
var ErrNoConfig = errors.New("gearman: no config file found")

// Duration wraps time.Duration so it can be written as "30s" in YAML/TOML
// instead of a raw integer, mirroring cinch's Duration wrapper.
type Duration struct {
	d time.Duration
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return d.d }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", node.Value, err)
	}
	d.d = parsed
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML
// decoder for string-valued fields.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", string(text), err)
	}
	d.d = parsed
	return nil
}

// Config is parsed client/worker demo configuration.
type Config struct {
	// Address is the Gearman server's host:port.
	Address string `yaml:"address" toml:"address"`
	// LogLevel is a zapcore level name ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level" toml:"log_level"`
	// Functions is the set of function names a worker registers for.
	Functions []string `yaml:"functions" toml:"functions"`
	// Concurrency is a worker job-concurrency setting. The worker demo does
	// not read it; it runs one Serve loop, one job at a time.
	Concurrency int `yaml:"concurrency" toml:"concurrency"`
	// Timeout is a per-job run-time limit of the kind CAN_DO_TIMEOUT sends.
	// The worker demo does not read it; it registers functions with plain
	// CAN_DO and no timeout.
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// Default returns the built-in defaults used when no config file exists.
func Default() Config {
	return Config{Address: "127.0.0.1:4730", LogLevel: "info", Concurrency: 1}
}

var candidateFiles = []string{".gearman.yaml", ".gearman.yml", ".gearman.toml"}

// Load looks for one of the known config filenames in dir, in order, and
// parses the first one found. It returns ErrNoConfig itself (not wrapped)
// if none exist.
func Load(dir string) (Config, string, error) {
	cfg := Default()
	for _, name := range candidateFiles {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return cfg, "", fmt.Errorf("config: read %s: %w", path, err)
		}

		switch filepath.Ext(name) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, "", fmt.Errorf("config: parse %s: %w", path, err)
			}
		case ".toml":
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return cfg, "", fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
		return cfg, name, nil
	}
	return cfg, "", ErrNoConfig
}
