package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvConfigFile, EnvDBPath, EnvProvider, EnvProbeTimeout, EnvAPITimeout,
		EnvLogLevel, EnvListen, EnvAdminPassword, EnvRefreshInterval,
	} {
		t.Setenv(key, "")
	}
	t.Setenv("HOME", t.TempDir())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Provider != "gzweibo-oauth2" || cfg.ProbeTimeout != 10*time.Second || cfg.APITimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !strings.HasSuffix(cfg.DBPath, filepath.Join("libaccounts-glib", "accounts.db")) {
		t.Fatalf("unexpected default db path %q", cfg.DBPath)
	}
	if cfg.Listen != "127.0.0.1:8086" || cfg.LogLevel != "info" || cfg.Path != "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `database: ~/creds/accounts.db
provider: example-oauth2
probe_timeout: 3s
log_level: DEBUG
server:
  listen: 0.0.0.0:9000
  admin_password: secret
  refresh_interval: 15m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	home, _ := os.UserHomeDir()
	if cfg.DBPath != filepath.Join(home, "creds", "accounts.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Provider != "example-oauth2" || cfg.ProbeTimeout != 3*time.Second || cfg.LogLevel != "debug" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Listen != "0.0.0.0:9000" || cfg.AdminPassword != "secret" || cfg.RefreshInterval != 15*time.Minute {
		t.Fatalf("server values not applied: %+v", cfg)
	}
	if cfg.Path != path {
		t.Fatalf("Path = %q, want %q", cfg.Path, path)
	}

	t.Setenv(EnvProvider, "env-provider")
	t.Setenv(EnvAPITimeout, "45s")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Provider != "env-provider" || cfg.APITimeout != 45*time.Second {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "provider: from-env-file\n")
	t.Setenv(EnvConfigFile, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Provider != "from-env-file" {
		t.Fatalf("Provider = %q", cfg.Provider)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
	if _, err := Load(writeConfig(t, "probe_timeout: soon\n")); err == nil {
		t.Fatal("expected error for bad duration")
	}
	if _, err := Load(writeConfig(t, "provider: [unclosed\n")); err == nil {
		t.Fatal("expected error for bad yaml")
	}

	t.Setenv(EnvLogLevel, "chatty")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
