// Package config loads the runner's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	// SelfID is this client's participant identifier on the call store.
	SelfID string `json:"self_id"`

	Store    Store  `json:"store"`
	Call     Call   `json:"call"`
	API      API    `json:"api"`
	LogLevel string `json:"log_level"`
}

type Store struct {
	// Backend selects the Session Record Store: "memory", "sqlite" or "redis".
	Backend string `json:"backend"`

	// SQLiteDir holds calls.db when Backend is "sqlite".
	SQLiteDir string `json:"sqlite_dir"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

type Call struct {
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// Resolver backoff for connection metadata that lags the ring.
	ResolverAttempts    int     `json:"resolver_attempts"`
	ResolverBaseDelayMs int     `json:"resolver_base_delay_ms"`
	ResolverMultiplier  float64 `json:"resolver_multiplier"`
}

type API struct {
	// HTTPAddr is the listen address of the command/event surface,
	// e.g. "127.0.0.1:8790".
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Store: Store{
			Backend:   "memory",
			SQLiteDir: "data",
			RedisAddr: "127.0.0.1:6379",
		},
		Call: Call{
			RingTimeoutSec:      30,
			ResolverAttempts:    5,
			ResolverBaseDelayMs: 500,
			ResolverMultiplier:  1.5,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8790",
		},
		LogLevel: "info",
	}
}

// Load reads path on top of the defaults, so missing JSON fields remain
// initialized.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(stripBOM(b), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("self_id is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.SQLiteDir == "" {
			return fmt.Errorf("store.sqlite_dir is required for the sqlite backend")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Call.RingTimeoutSec <= 0 {
		return fmt.Errorf("call.ring_timeout_seconds must be positive")
	}
	return nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
