package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/spawner/orchestrator/internal/domain"
	"github.com/spawner/orchestrator/internal/store"
)

// DefaultListenAddr is where serve binds when listen_addr is unset.
const DefaultListenAddr = "127.0.0.1:8787"

// EnvPath names the environment variable that points at the config file.
const EnvPath = "SPAWNER_CONFIG"

// StoreConfig selects the persistence driver.
type StoreConfig struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	RedisKey  string `yaml:"redis_key"`
}

// Options converts the section into store.Options.
func (s StoreConfig) Options() store.Options {
	return store.Options{
		Driver:    s.Driver,
		Path:      s.Path,
		RedisAddr: s.RedisAddr,
		RedisDB:   s.RedisDB,
		RedisKey:  s.RedisKey,
	}
}

// Config holds the orchestrator's runtime configuration.
type Config struct {
	LogLevel             string      `yaml:"log_level"`
	LogFormat            string      `yaml:"log_format"`
	Store                StoreConfig `yaml:"store"`
	CatalogDir           string      `yaml:"catalog_dir"`
	SkillsDir            string      `yaml:"skills_dir"`
	FailClosedConditions bool        `yaml:"fail_closed_conditions"`
	WatchdogIntervalSec  int         `yaml:"watchdog_interval_sec"`
	EventFanout          bool        `yaml:"event_fanout"`
	UserID               string      `yaml:"user_id"`
	ListenAddr           string      `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads a YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromEnv loads the file named by SPAWNER_CONFIG, or returns Default
// when the variable is unset.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvPath)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = store.DriverSQLite
	}
	if c.Store.Path == "" {
		switch c.Store.Driver {
		case store.DriverSQLite:
			c.Store.Path = "spawner.db"
		case store.DriverFile:
			c.Store.Path = ".spawner/state"
		}
	}
	if c.Store.Driver == store.DriverRedis && c.Store.RedisAddr == "" {
		c.Store.RedisAddr = "localhost:6379"
	}
	if c.WatchdogIntervalSec == 0 {
		c.WatchdogIntervalSec = 10
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
}

func (c *Config) validate() error {
	var problems []string

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}
	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverFile, store.DriverRedis:
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of sqlite, file, redis", c.Store.Driver))
	}
	if c.Store.RedisDB < 0 {
		problems = append(problems, "store.redis_db must not be negative")
	}
	if c.WatchdogIntervalSec < 0 {
		problems = append(problems, "watchdog_interval_sec must not be negative")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}
