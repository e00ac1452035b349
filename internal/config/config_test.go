package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/store"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "spawner.yaml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Valid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
log_level: debug
log_format: json
store:
  driver: file
  path: /tmp/spawner-state
catalog_dir: ./catalog
skills_dir: ./skills
fail_closed_conditions: true
event_fanout: true
user_id: alice
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log = %s/%s, want debug/json", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Store.Driver != store.DriverFile || cfg.Store.Path != "/tmp/spawner-state" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if !cfg.FailClosedConditions || !cfg.EventFanout {
		t.Error("expected fail_closed_conditions and event_fanout to be true")
	}
	if cfg.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", cfg.UserID)
	}
	if cfg.WatchdogIntervalSec != 10 {
		t.Errorf("WatchdogIntervalSec = %d, want default 10", cfg.WatchdogIntervalSec)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "{}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log = %s/%s, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Store.Driver != store.DriverSQLite || cfg.Store.Path != "spawner.db" {
		t.Errorf("Store = %+v", cfg.Store)
	}
}

func TestLoad_RedisDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "store:\n  driver: redis\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := cfg.Store.Options()
	if opts.RedisAddr != "localhost:6379" || opts.Path != "" {
		t.Errorf("Options = %+v", opts)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/spawner.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "store: [unclosed")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"log level", "log_level: loud\n", "log_level"},
		{"log format", "log_format: xml\n", "log_format"},
		{"driver", "store:\n  driver: etcd\n", "store.driver"},
		{"redis db", "store:\n  driver: redis\n  redis_db: -1\n", "redis_db"},
		{"watchdog", "watchdog_interval_sec: -5\n", "watchdog_interval_sec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := Load(path)
			if !errors.Is(err, domain.ErrConfigInvalid) {
				t.Fatalf("err = %v, want ErrConfigInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvPath, "")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv default: %v", err)
	}
	if cfg.Store.Driver != store.DriverSQLite {
		t.Errorf("Driver = %q, want sqlite", cfg.Store.Driver)
	}

	path := writeConfig(t, t.TempDir(), "user_id: bob\n")
	t.Setenv(EnvPath, path)
	cfg, err = LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.UserID != "bob" {
		t.Errorf("UserID = %q, want bob", cfg.UserID)
	}
}
