// Package config loads runtime settings from a YAML file and environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pysugar/oauth2-credentials/internal/credential"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile      = "OAUTH2CRED_CONFIG"
	EnvDBPath          = "OAUTH2CRED_DB_PATH"
	EnvProvider        = "OAUTH2CRED_PROVIDER"
	EnvProbeTimeout    = "OAUTH2CRED_PROBE_TIMEOUT"
	EnvAPITimeout      = "OAUTH2CRED_API_TIMEOUT"
	EnvLogLevel        = "OAUTH2CRED_LOG_LEVEL"
	EnvListen          = "OAUTH2CRED_LISTEN"
	EnvAdminPassword   = "OAUTH2CRED_ADMIN_PASSWORD"
	EnvRefreshInterval = "OAUTH2CRED_REFRESH_INTERVAL"

	defaultProbeTimeout = 10 * time.Second
	defaultAPITimeout   = 30 * time.Second
	defaultListen       = "127.0.0.1:8086"
	defaultLogLevel     = "info"
)

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "disabled": true,
}

// Config is the resolved runtime configuration.
type Config struct {
	DBPath          string
	Provider        string
	ProbeTimeout    time.Duration
	APITimeout      time.Duration
	LogLevel        string
	Listen          string
	AdminPassword   string
	RefreshInterval time.Duration

	// Path is the file the settings were read from; empty when none was found.
	Path string
}

type fileConfig struct {
	Database     string       `yaml:"database"`
	Provider     string       `yaml:"provider"`
	ProbeTimeout string       `yaml:"probe_timeout"`
	APITimeout   string       `yaml:"api_timeout"`
	LogLevel     string       `yaml:"log_level"`
	Server       serverConfig `yaml:"server"`
}

type serverConfig struct {
	Listen          string `yaml:"listen"`
	AdminPassword   string `yaml:"admin_password"`
	RefreshInterval string `yaml:"refresh_interval"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DBPath:       DefaultDBPath(),
		Provider:     credential.DefaultProvider,
		ProbeTimeout: defaultProbeTimeout,
		APITimeout:   defaultAPITimeout,
		LogLevel:     defaultLogLevel,
		Listen:       defaultListen,
	}
}

// DefaultDBPath is the account database shared with the desktop account tools.
func DefaultDBPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "libaccounts-glib", "accounts.db")
	}
	return filepath.Join(homeDir, ".config", "libaccounts-glib", "accounts.db")
}

// Load resolves settings: defaults, then the config file, then environment.
// explicitPath (or $OAUTH2CRED_CONFIG) must exist when given; the default
// location may be absent.
func Load(explicitPath string) (*Config, error) {
	cfg := Default()

	path, required := resolveConfigPath(explicitPath)
	if path != "" {
		fc, err := readFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(fc); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
			cfg.Path = path
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the resolved settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("database path is empty")
	}
	if strings.TrimSpace(c.Provider) == "" {
		return errors.New("provider is empty")
	}
	if c.ProbeTimeout <= 0 || c.APITimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.RefreshInterval < 0 {
		return errors.New("refresh interval must not be negative")
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func resolveConfigPath(explicit string) (string, bool) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return expandHome(explicit), true
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigFile)); env != "" {
		return expandHome(env), true
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(homeDir, ".config", "oauth2cred", "config.yaml"), false
}

func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &fc, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	if fc.Database != "" {
		c.DBPath = expandHome(fc.Database)
	}
	if fc.Provider != "" {
		c.Provider = fc.Provider
	}
	if fc.LogLevel != "" {
		c.LogLevel = strings.ToLower(fc.LogLevel)
	}
	if fc.Server.Listen != "" {
		c.Listen = fc.Server.Listen
	}
	if fc.Server.AdminPassword != "" {
		c.AdminPassword = fc.Server.AdminPassword
	}

	var err error
	if c.ProbeTimeout, err = parseDuration("probe_timeout", fc.ProbeTimeout, c.ProbeTimeout); err != nil {
		return err
	}
	if c.APITimeout, err = parseDuration("api_timeout", fc.APITimeout, c.APITimeout); err != nil {
		return err
	}
	if c.RefreshInterval, err = parseDuration("server.refresh_interval", fc.Server.RefreshInterval, c.RefreshInterval); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		c.DBPath = expandHome(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvProvider)); v != "" {
		c.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvAdminPassword); v != "" {
		c.AdminPassword = v
	}

	var err error
	if c.ProbeTimeout, err = parseDuration(EnvProbeTimeout, os.Getenv(EnvProbeTimeout), c.ProbeTimeout); err != nil {
		return err
	}
	if c.APITimeout, err = parseDuration(EnvAPITimeout, os.Getenv(EnvAPITimeout), c.APITimeout); err != nil {
		return err
	}
	if c.RefreshInterval, err = parseDuration(EnvRefreshInterval, os.Getenv(EnvRefreshInterval), c.RefreshInterval); err != nil {
		return err
	}
	return nil
}

func parseDuration(name, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return d, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}
