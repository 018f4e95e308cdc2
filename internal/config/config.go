// Package config loads server configuration from an optional TOML or YAML
// file, overridden by DEADDROP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"deaddrop/pkg/protocol"
)

// Default file names under the home directory.
const (
	DefaultConfigFile = "config.toml"
	DefaultDBFile     = "deaddrop.db"
	DefaultPackageDir = "packages"
)

// Duration is a time.Duration written as a Go duration string ("2s") in
// files and the environment.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// NATS configures the JetStream transport. An empty URL disables it.
type NATS struct {
	URL    string `toml:"url" yaml:"url" env:"DEADDROP_NATS_URL"`
	Stream string `toml:"stream" yaml:"stream" env:"DEADDROP_NATS_STREAM"`
	Prefix string `toml:"prefix" yaml:"prefix" env:"DEADDROP_NATS_PREFIX"`
}

// Config is the resolved server configuration.
type Config struct {
	// Home is the state directory: DEADDROP_HOME or ~/.deaddrop.
	Home string `toml:"-" yaml:"-" env:"DEADDROP_HOME"`

	DBPath      string `toml:"db_path" yaml:"db_path" env:"DEADDROP_DB_PATH"`
	PackagesDir string `toml:"packages_dir" yaml:"packages_dir" env:"DEADDROP_PACKAGES_DIR"`

	Workers      int      `toml:"workers" yaml:"workers" env:"DEADDROP_WORKERS"`
	PollInterval Duration `toml:"poll_interval" yaml:"poll_interval" env:"DEADDROP_POLL_INTERVAL"`

	// HandlerCommand runs a package's messaging handler (default: make message_entry).
	HandlerCommand   []string `toml:"handler_command" yaml:"handler_command" env:"DEADDROP_HANDLER_COMMAND" envSeparator:" "`
	ServerPrivateKey string   `toml:"server_private_key" yaml:"server_private_key" env:"DEADDROP_SERVER_PRIVATE_KEY"`

	NATS NATS `toml:"nats" yaml:"nats"`

	// Settings are the values settings_val directives may reference.
	Settings map[string]any `toml:"settings" yaml:"settings"`
}

// Load resolves the configuration. path names a .toml, .yaml or .yml file;
// when empty, config.toml in the home directory is read if it exists. Environment
// variables override file values.
func Load(path string) (*Config, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	cfg := &Config{Home: home}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(home, DefaultConfigFile)
	}
	if err := cfg.readFile(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.Home, DefaultDBFile)
	}
	if c.PackagesDir == "" {
		c.PackagesDir = filepath.Join(c.Home, DefaultPackageDir)
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval.Duration <= 0 {
		c.PollInterval.Duration = 2 * time.Second
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "DEADDROP"
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "deaddrop"
	}
}

// AgentPackageDir is where the package of agent name at version is unpacked
// when it is installed under PackagesDir.
func (c *Config) AgentPackageDir(name, version string) string {
	return filepath.Join(c.PackagesDir, name, version)
}

// Setting implements schema.Settings over the settings table.
func (c *Config) Setting(name string) (any, bool) {
	v, ok := c.Settings[name]
	return v, ok
}

// resolveHome returns DEADDROP_HOME or ~/.deaddrop.
func resolveHome() (string, error) {
	if v := os.Getenv("DEADDROP_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}
