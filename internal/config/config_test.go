package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callsig.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `{"self_id": "alice"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SelfID != "alice" {
		t.Fatalf("self_id %q", cfg.SelfID)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("backend %q, want memory default", cfg.Store.Backend)
	}
	if cfg.Call.RingTimeoutSec != 30 || cfg.Call.ResolverAttempts != 5 {
		t.Fatalf("call defaults not applied: %+v", cfg.Call)
	}
	if cfg.API.HTTPAddr != "127.0.0.1:8790" {
		t.Fatalf("http_addr %q", cfg.API.HTTPAddr)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"self_id": "bob",
		"store": {"backend": "sqlite", "sqlite_dir": "/tmp/calls"},
		"call": {"ring_timeout_seconds": 15, "resolver_base_delay_ms": 100},
		"log_level": "debug"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLiteDir != "/tmp/calls" {
		t.Fatalf("store %+v", cfg.Store)
	}
	if cfg.Call.RingTimeoutSec != 15 {
		t.Fatalf("ring timeout %d", cfg.Call.RingTimeoutSec)
	}
	// Fields the file omits keep their defaults.
	if cfg.Call.ResolverAttempts != 5 || cfg.Call.ResolverMultiplier != 1.5 {
		t.Fatalf("resolver defaults lost: %+v", cfg.Call)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level %q", cfg.LogLevel)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := writeConfig(t, "\xEF\xBB\xBF"+`{"self_id": "alice"}`)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing self_id", func(c *Config) { c.SelfID = "" }, "self_id"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "unknown store backend"},
		{"sqlite without dir", func(c *Config) {
			c.Store.Backend = "sqlite"
			c.Store.SQLiteDir = ""
		}, "sqlite_dir"},
		{"redis without addr", func(c *Config) {
			c.Store.Backend = "redis"
			c.Store.RedisAddr = ""
		}, "redis_addr"},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }, "ring_timeout_seconds"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.SelfID = "alice"
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
