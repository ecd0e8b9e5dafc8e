package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration
type Config struct {
	ServerURL    string `toml:"server_url"`    // chat backend base URL
	AuthURL      string `toml:"auth_url"`      // identity provider base URL
	AuthAnonKey  string `toml:"auth_anon_key"` // public API key sent with auth requests
	TokenCache   string `toml:"token_cache"`   // path to the sqlite credential cache
	PollInterval int    `toml:"poll_interval"` // webhook poll cadence in seconds
	LogDir       string `toml:"log_dir"`       // directory for rotated logs and telemetry
	Debug        bool   `toml:"debug"`         // enable debug logging
}

// Load reads configuration from the given TOML file, falling back to defaults
// for anything the file does not set. An empty path loads
// ~/.config/webhookchat/config.toml when that file exists.
func Load(path string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerURL:    "http://localhost:3001",
		TokenCache:   filepath.Join(home, ".config", "webhookchat", "credentials.db"),
		PollInterval: 2,
		LogDir:       "logs",
	}

	if path == "" {
		path = filepath.Join(home, ".config", "webhookchat", "config.toml")
		if _, err := os.Stat(path); err != nil {
			return cfg, nil
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2
	}

	return cfg, nil
}
