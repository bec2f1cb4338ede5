// Package config handles harrier.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/harrier/jdwp"
)

// Config represents a harrier.toml runtime configuration.
type Config struct {
	Tiering    Tiering    `toml:"tiering"`
	Debug      Debug      `toml:"debug"`
	Profile    Profile    `toml:"profile"`
	Checkpoint Checkpoint `toml:"checkpoint"`

	// Dir is the directory containing the harrier.toml file (set at load time).
	Dir string `toml:"-"`
}

// Tiering tunes the hotness profiler and the compilation pipeline.
type Tiering struct {
	Enabled      bool   `toml:"enabled"`
	BatchSize    int32  `toml:"batch-size"`
	HotThreshold uint64 `toml:"hot-threshold"`
	Log          bool   `toml:"log"`
}

// Debug configures the debugger wire bridge.
type Debug struct {
	Enabled   bool   `toml:"enabled"`
	Transport string `toml:"transport"`
	Server    bool   `toml:"server"`
	Suspend   bool   `toml:"suspend"`
	Host      string `toml:"host"`
	Port      uint16 `toml:"port"`
}

// Profile configures hotness profile persistence.
type Profile struct {
	Path    string `toml:"path"`
	Persist bool   `toml:"persist"`
}

// Checkpoint configures snapshot retention.
type Checkpoint struct {
	Retain int `toml:"retain"`
}

// Default returns the configuration used when no harrier.toml exists.
func Default() *Config {
	return &Config{
		Tiering: Tiering{
			Enabled:      true,
			BatchSize:    100,
			HotThreshold: 1000,
		},
		Debug: Debug{
			Transport: string(jdwp.TransportSocket),
			Server:    true,
			Host:      "localhost",
			Port:      8700,
		},
		Checkpoint: Checkpoint{
			Retain: 16,
		},
	}
}

// Load parses a harrier.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "harrier.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return c, nil
}

// FindAndLoad walks up from startDir to find a harrier.toml file,
// then loads and returns the config. Returns nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "harrier.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// filesystem root, nothing found
			return nil, nil
		}
		dir = parent
	}
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if c.Tiering.BatchSize <= 0 {
		return fmt.Errorf("tiering batch-size must be positive, got %d", c.Tiering.BatchSize)
	}
	if c.Tiering.HotThreshold == 0 {
		return fmt.Errorf("tiering hot-threshold must be positive")
	}
	if c.Debug.Enabled {
		if _, err := jdwp.ParseTransport(c.Debug.Transport); err != nil {
			return err
		}
		if c.Debug.Port == 0 {
			return fmt.Errorf("debug port must be set")
		}
	}
	if c.Checkpoint.Retain < 0 {
		return fmt.Errorf("checkpoint retain cannot be negative, got %d", c.Checkpoint.Retain)
	}
	return nil
}

// StartupParams converts the debug section into bridge startup
// parameters.
func (c *Config) StartupParams() jdwp.StartupParams {
	transport, _ := jdwp.ParseTransport(c.Debug.Transport)
	return jdwp.StartupParams{
		Transport: transport,
		Server:    c.Debug.Server,
		Suspend:   c.Debug.Suspend,
		Host:      c.Debug.Host,
		Port:      c.Debug.Port,
	}
}

// ProfilePath returns the absolute profile database path, or "" when
// persistence is off.
func (c *Config) ProfilePath() string {
	if !c.Profile.Persist {
		return ""
	}
	if c.Profile.Path == "" || filepath.IsAbs(c.Profile.Path) {
		return c.Profile.Path
	}
	return filepath.Join(c.Dir, c.Profile.Path)
}
