package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_missingFileYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7780" || cfg.InboxCapacity != 256 || cfg.Journal.Driver != "sqlite" {
		t.Errorf("defaults: %+v", cfg)
	}
}

func TestLoad_parsesToml(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	body := `
listen_addr = "0.0.0.0:9000"
api_key = "secret"
retry_attempts = 5
retry_backoff_ms = 250

[journal]
driver = "postgres"
dsn = "postgres://localhost/crewmesh"
`
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" || cfg.APIKey != "secret" || cfg.RetryAttempts != 5 {
		t.Errorf("parsed: %+v", cfg)
	}
	if cfg.Journal.Driver != "postgres" || cfg.Journal.DSN == "" {
		t.Errorf("journal section: %+v", cfg.Journal)
	}
	if cfg.RetryBackoff().Milliseconds() != 250 {
		t.Errorf("RetryBackoff: %v", cfg.RetryBackoff())
	}
	// Unset keys keep their defaults.
	if cfg.InboxCapacity != 256 {
		t.Errorf("InboxCapacity default lost: %d", cfg.InboxCapacity)
	}
}

func TestLoad_malformedFile(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("listen_addr = ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Error("expected parse error")
	}
}

func TestResolveHome(t *testing.T) {
	got, err := ResolveHome("/tmp/override")
	if err != nil || got != "/tmp/override" {
		t.Errorf("override: %q %v", got, err)
	}
	t.Setenv("CREWMESH_HOME", "/tmp/envhome")
	got, err = ResolveHome("")
	if err != nil || got != "/tmp/envhome" {
		t.Errorf("env: %q %v", got, err)
	}
}

func TestHomeContext(t *testing.T) {
	t.Parallel()
	ctx := WithHome(context.Background(), "/tmp/h")
	if h := MustHomeFrom(ctx); h != "/tmp/h" {
		t.Errorf("MustHomeFrom: %q", h)
	}
	if _, ok := HomeFrom(context.Background()); ok {
		t.Error("empty context should have no home")
	}
}
