package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/harrier/jdwp"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "harrier.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing harrier.toml: %v", err)
	}
}

func TestDefault(t *testing.T) {
	c := Default()

	if !c.Tiering.Enabled || c.Tiering.BatchSize != 100 || c.Tiering.HotThreshold != 1000 {
		t.Errorf("Tiering defaults = %+v, want enabled 100/1000", c.Tiering)
	}
	if c.Debug.Enabled {
		t.Error("Debugging should default to off")
	}
	if c.Debug.Transport != "socket" || !c.Debug.Server || c.Debug.Port != 8700 {
		t.Errorf("Debug defaults = %+v, want socket server on 8700", c.Debug)
	}
	if c.Checkpoint.Retain != 16 {
		t.Errorf("Checkpoint retain = %d, want 16", c.Checkpoint.Retain)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Defaults should validate, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[tiering]
enabled = false
batch-size = 25
hot-threshold = 500

[debug]
enabled = true
transport = "socket"
server = false
host = "remote.lan"
port = 9000

[profile]
path = "profile.db"
persist = true

[checkpoint]
retain = 4
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Tiering.Enabled || c.Tiering.BatchSize != 25 || c.Tiering.HotThreshold != 500 {
		t.Errorf("Tiering = %+v, want disabled 25/500", c.Tiering)
	}
	if !c.Debug.Enabled || c.Debug.Server || c.Debug.Host != "remote.lan" || c.Debug.Port != 9000 {
		t.Errorf("Debug = %+v", c.Debug)
	}
	if c.Checkpoint.Retain != 4 {
		t.Errorf("Retain = %d, want 4", c.Checkpoint.Retain)
	}
	if c.Dir == "" || !filepath.IsAbs(c.Dir) {
		t.Errorf("Dir = %q, want the absolute config directory", c.Dir)
	}
}

func TestLoadKeepsDefaultsForOmittedKeys(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[tiering]
batch-size = 50
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Tiering.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", c.Tiering.BatchSize)
	}
	if c.Tiering.HotThreshold != 1000 {
		t.Errorf("HotThreshold = %d, want the default 1000", c.Tiering.HotThreshold)
	}
	if c.Debug.Port != 8700 {
		t.Errorf("Port = %d, want the default 8700", c.Debug.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Loading from a directory with no harrier.toml should fail")
	}
}

func TestLoadRejectsBadToml(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[tiering\nbatch-size = ")
	if _, err := Load(dir); err == nil {
		t.Error("Malformed TOML should fail to load")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[tiering]
batch-size = -5
`)
	if _, err := Load(dir); err == nil {
		t.Error("A negative batch size should fail validation")
	}
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
[tiering]
batch-size = 7
`)
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if c == nil {
		t.Fatal("FindAndLoad should locate the config in an ancestor directory")
	}
	if c.Tiering.BatchSize != 7 {
		t.Errorf("BatchSize = %d, want 7", c.Tiering.BatchSize)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	// An empty temp directory has no harrier.toml anywhere up to the
	// filesystem root in normal test environments.
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if c != nil {
		t.Errorf("FindAndLoad = %+v, want nil when nothing is found", c)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero batch", func(c *Config) { c.Tiering.BatchSize = 0 }, true},
		{"zero threshold", func(c *Config) { c.Tiering.HotThreshold = 0 }, true},
		{"debug bad transport", func(c *Config) {
			c.Debug.Enabled = true
			c.Debug.Transport = "pigeon"
		}, true},
		{"debug no port", func(c *Config) {
			c.Debug.Enabled = true
			c.Debug.Port = 0
		}, true},
		{"debug off ignores transport", func(c *Config) {
			c.Debug.Enabled = false
			c.Debug.Transport = "pigeon"
		}, false},
		{"negative retain", func(c *Config) { c.Checkpoint.Retain = -1 }, true},
	}
	for _, tt := range tests {
		c := Default()
		tt.mutate(c)
		err := c.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestStartupParams(t *testing.T) {
	c := Default()
	c.Debug.Transport = "tunnel"
	c.Debug.Server = false
	c.Debug.Suspend = true
	c.Debug.Host = "ignored.lan"
	c.Debug.Port = 5005

	p := c.StartupParams()
	if p.Transport != jdwp.TransportTunnel {
		t.Errorf("Transport = %v, want tunnel", p.Transport)
	}
	if p.Server || !p.Suspend || p.Port != 5005 {
		t.Errorf("Params = %+v", p)
	}
}

func TestProfilePath(t *testing.T) {
	c := Default()
	c.Dir = "/work/project"

	if got := c.ProfilePath(); got != "" {
		t.Errorf("ProfilePath = %q with persistence off, want empty", got)
	}

	c.Profile.Persist = true
	c.Profile.Path = "cache/profile.db"
	if got := c.ProfilePath(); got != filepath.Join("/work/project", "cache/profile.db") {
		t.Errorf("ProfilePath = %q, want it joined to the config dir", got)
	}

	c.Profile.Path = "/var/lib/harrier/profile.db"
	if got := c.ProfilePath(); got != "/var/lib/harrier/profile.db" {
		t.Errorf("ProfilePath = %q, want the absolute path unchanged", got)
	}
}
