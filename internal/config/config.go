// Package config resolves the crewmesh home directory and loads the
// optional config.toml inside it.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the serve-time configuration, loaded from home/config.toml.
// Every field has a working default; a missing file is not an error.
type Config struct {
	ListenAddr     string  `toml:"listen_addr"`
	APIKey         string  `toml:"api_key"`
	InboxCapacity  int     `toml:"inbox_capacity"`
	RetryAttempts  int     `toml:"retry_attempts"`
	RetryBackoffMS int     `toml:"retry_backoff_ms"`
	TaskCeiling    int     `toml:"task_ceiling"`
	Journal        Journal `toml:"journal"`
}

// Journal selects the persistence backend.
type Journal struct {
	Driver string `toml:"driver"` // "sqlite" (default), "postgres", or "none"
	DSN    string `toml:"dsn"`    // postgres connection string, or sqlite DSN override
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     "127.0.0.1:7780",
		InboxCapacity:  256,
		RetryAttempts:  3,
		RetryBackoffMS: 100,
		TaskCeiling:    1,
		Journal:        Journal{Driver: "sqlite"},
	}
}

// Load reads home/config.toml over the defaults. A missing file yields the
// defaults; a malformed file is an error.
func Load(home string) (Config, error) {
	cfg := Default()
	path := filepath.Join(home, "config.toml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RetryBackoff returns the backoff base as a duration.
func (c Config) RetryBackoff() time.Duration {
	if c.RetryBackoffMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}
