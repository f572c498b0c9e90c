// Package config loads abgate settings from an optional YAML file with
// ABGATE_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// MinPageViewTTL leaves room for two missed heartbeats from ab.js, which
// pings open page views every minute.
const MinPageViewTTL = 2 * time.Minute

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

type Config struct {
	Port        int    `yaml:"port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	Store   StoreConfig  `yaml:"store"`
	Cookies CookieConfig `yaml:"cookies"`
	Relay   RelayConfig  `yaml:"relay"`
	Static  StaticConfig `yaml:"static"`
	Workers WorkerConfig `yaml:"workers"`
	Mirror  MirrorConfig `yaml:"mirror"`
	Auth    AuthConfig   `yaml:"auth"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// CookieConfig names the client-side keys. Assignments live under
// <prefix>_<test_key> and debug state under <debug_prefix>_debug_overrides.
// An empty Domain derives the parent domain per request.
type CookieConfig struct {
	Prefix      string `yaml:"prefix"`
	DebugPrefix string `yaml:"debug_prefix"`
	SessionName string `yaml:"session_name"`
	Domain      string `yaml:"domain"`
}

type RelayConfig struct {
	CookiePrefix string        `yaml:"cookie_prefix"`
	AppSubdomain string        `yaml:"app_subdomain"`
	DevAppPort   int           `yaml:"dev_app_port"`
	MaxAge       time.Duration `yaml:"max_age"`
}

// StaticConfig switches test definitions to a published JSON document.
type StaticConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

type WorkerConfig struct {
	Limit         int           `yaml:"limit"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	PageViewTTL   time.Duration `yaml:"page_view_ttl"`
}

// MirrorConfig is the server-side copy of client state. Entries expire with
// the cookie they mirror. Without a Redis URL nothing is mirrored.
type MirrorConfig struct {
	RedisURL string `yaml:"redis_url"`
}

type AuthConfig struct {
	TokenFile string `yaml:"token_file"` // Dashboard token for the results API
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Port:        8080,
		Environment: EnvDevelopment,
		LogLevel:    "info",
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "./abgate.db",
		},
		Cookies: CookieConfig{
			Prefix:      "ab_test",
			DebugPrefix: "ab",
			SessionName: "abgate_sid",
		},
		Relay: RelayConfig{
			CookiePrefix: "abgate",
			AppSubdomain: "app",
			DevAppPort:   3000,
			MaxAge:       30 * 24 * time.Hour,
		},
		Static: StaticConfig{TTL: time.Minute},
		Workers: WorkerConfig{
			Limit:         64,
			TaskTimeout:   5 * time.Second,
			LookupTimeout: 2 * time.Second,
			PageViewTTL:   30 * time.Minute,
		},
		Auth: AuthConfig{TokenFile: ".abgate-token"},
	}
}

// Load reads path if it is non-empty, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnvOverrides() {
	c.Port = envInt("ABGATE_PORT", c.Port)
	c.Environment = envString("ABGATE_ENV", c.Environment)
	c.LogLevel = envString("ABGATE_LOG_LEVEL", c.LogLevel)

	c.Store.Driver = envString("ABGATE_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = envString("ABGATE_DATABASE_URL", c.Store.DSN)

	c.Cookies.Prefix = envString("ABGATE_COOKIE_PREFIX", c.Cookies.Prefix)
	c.Cookies.Domain = envString("ABGATE_COOKIE_DOMAIN", c.Cookies.Domain)

	c.Relay.AppSubdomain = envString("ABGATE_APP_SUBDOMAIN", c.Relay.AppSubdomain)
	c.Relay.DevAppPort = envInt("ABGATE_DEV_APP_PORT", c.Relay.DevAppPort)

	c.Static.URL = envString("ABGATE_STATIC_URL", c.Static.URL)
	c.Static.TTL = envDuration("ABGATE_STATIC_TTL", c.Static.TTL)

	c.Workers.Limit = envInt("ABGATE_WORKERS", c.Workers.Limit)
	c.Workers.TaskTimeout = envDuration("ABGATE_TASK_TIMEOUT", c.Workers.TaskTimeout)
	c.Workers.PageViewTTL = envDuration("ABGATE_PAGE_VIEW_TTL", c.Workers.PageViewTTL)

	c.Mirror.RedisURL = envString("ABGATE_REDIS_URL", c.Mirror.RedisURL)
	c.Auth.TokenFile = envString("ABGATE_TOKEN_FILE", c.Auth.TokenFile)
}

// Validate fails fast on settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Environment {
	case EnvProduction, EnvDevelopment, "staging", "test":
	default:
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Environment))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store dsn is required"))
	}
	if c.Cookies.Prefix == "" || c.Cookies.SessionName == "" || c.Cookies.DebugPrefix == "" {
		errs = append(errs, errors.New("cookie prefix, debug prefix and session name are required"))
	}
	if c.Relay.DevAppPort <= 0 || c.Relay.DevAppPort > 65535 {
		errs = append(errs, fmt.Errorf("dev app port %d out of range", c.Relay.DevAppPort))
	}
	if c.Static.URL != "" && !strings.HasPrefix(c.Static.URL, "http://") && !strings.HasPrefix(c.Static.URL, "https://") {
		errs = append(errs, fmt.Errorf("static url %q must be http(s)", c.Static.URL))
	}
	if c.Workers.Limit <= 0 {
		errs = append(errs, fmt.Errorf("worker limit %d must be positive", c.Workers.Limit))
	}
	if c.Workers.PageViewTTL < MinPageViewTTL {
		errs = append(errs, fmt.Errorf("page view ttl %s is below %s", c.Workers.PageViewTTL, MinPageViewTTL))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *Config) Production() bool {
	return c.Environment == EnvProduction
}

func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt returns def when key is unset or not a number.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
