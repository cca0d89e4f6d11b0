// Package config loads the server configuration from a single yaml
// file named by the --config flag. There is no discovery fallback; a
// missing file is an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clanforge/timekeep/internal/identity"
)

// Config is the full configuration for timekeep serve.
type Config struct {
	// Listen is the HTTP listen address, for example ":8470".
	Listen string `yaml:"listen"`

	// DatabasePath locates the sqlite store. Defaults to
	// ~/.timekeep/timekeep.db when empty.
	DatabasePath string `yaml:"database_path"`

	// SweepInterval is the cadence of the background expiry sweep.
	// Accepts Go duration strings ("30s", "1m").
	SweepInterval Duration `yaml:"sweep_interval"`

	// Tokens maps dev bearer tokens to actors for the static identity
	// resolver. Ignored when the portal wires its own resolver.
	Tokens map[string]identity.Actor `yaml:"tokens"`
}

// Duration wraps time.Duration so yaml files can use "30s" / "1m"
// instead of raw nanosecond counts.
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

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:        ":8470",
		SweepInterval: Duration(time.Minute),
	}
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	for token, actor := range c.Tokens {
		if token == "" {
			return fmt.Errorf("empty bearer token")
		}
		if actor.ID == 0 {
			return fmt.Errorf("token %q maps to actor with no id", token)
		}
	}
	return nil
}

// DatabaseLocation resolves the effective database path.
func (c *Config) DatabaseLocation() (string, error) {
	if c.DatabasePath != "" {
		return c.DatabasePath, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".timekeep", "timekeep.db"), nil
}
