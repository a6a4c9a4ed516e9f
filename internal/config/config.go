package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trackline/internal/domain"
	"trackline/internal/engine/quota"
	"trackline/internal/telemetry"
)

const FileName = "trackline.yml"

// Config models trackline.yml.
type Config struct {
	Database struct {
		Path        string        `yaml:"path"`
		BusyTimeout time.Duration `yaml:"busy_timeout"`
	} `yaml:"database"`
	Engine struct {
		LockTimeout time.Duration `yaml:"lock_timeout"`
		Retry       RetryConfig   `yaml:"retry"`
	} `yaml:"engine"`
	Plans  map[domain.PlanTier]quota.Tier `yaml:"plans"`
	Server struct {
		Addr      string        `yaml:"addr"`
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
		DevLogin  bool          `yaml:"dev_login"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// RetryConfig bounds the exponential backoff applied to Busy errors.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`
}

// Load reads .env and trackline.yml from workspace, applies TRACKLINE_*
// environment overrides and validates the result. A missing file yields
// the defaults.
func Load(workspace string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(dirOrDot(workspace), ".env"))
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	switch {
	case err == nil:
		if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes on top of the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Database.BusyTimeout = 5 * time.Second
	cfg.Engine.LockTimeout = 2 * time.Second
	cfg.Engine.Retry = RetryConfig{
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
	}
	cfg.Plans = quota.DefaultTiers()
	cfg.Server.Addr = ":8080"
	cfg.Server.TokenTTL = 24 * time.Hour
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.LockTimeout <= 0 {
		return fmt.Errorf("config.engine.lock_timeout must be positive")
	}
	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("config.database.busy_timeout must not be negative")
	}
	r := c.Engine.Retry
	if r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval || r.MaxElapsed <= 0 {
		return fmt.Errorf("config.engine.retry needs initial_interval > 0, max_interval >= initial_interval and max_elapsed > 0")
	}
	for _, tier := range []domain.PlanTier{domain.TierFree, domain.TierPro, domain.TierBusiness} {
		t, ok := c.Plans[tier]
		if !ok {
			return fmt.Errorf("config.plans.%s is required", tier)
		}
		if t.MaxMembers < 0 || t.MaxProjects < 0 || t.StorageQuotaBytes < 0 {
			return fmt.Errorf("config.plans.%s limits must not be negative", tier)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	if c.Server.TokenTTL <= 0 {
		return fmt.Errorf("config.server.token_ttl must be positive")
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Database.Path = getEnv("TRACKLINE_DB", c.Database.Path)
	c.Server.Addr = getEnv("TRACKLINE_ADDR", c.Server.Addr)
	c.Server.JWTSecret = getEnv("TRACKLINE_JWT_SECRET", c.Server.JWTSecret)
	c.Log.Level = getEnv("TRACKLINE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("TRACKLINE_LOG_FORMAT", c.Log.Format)
	if v, ok := os.LookupEnv("TRACKLINE_LOCK_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TRACKLINE_LOCK_TIMEOUT: %w", err)
		}
		c.Engine.LockTimeout = d
	}
	for key, dst := range map[string]*bool{
		"TRACKLINE_DEV_LOGIN":   &c.Server.DevLogin,
		"TRACKLINE_OTEL":        &c.Telemetry.Enabled,
		"TRACKLINE_OTEL_STDOUT": &c.Telemetry.Stdout,
	} {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(dirOrDot(workspace), FileName)
}

func dirOrDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// GenerateDefault returns a commented default trackline.yml.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `database:
  # empty path stores data in .trackline/trackline.db
  path: ""
  busy_timeout: 5s

engine:
  lock_timeout: 2s
  retry:
    initial_interval: 25ms
    max_interval: 500ms
    max_elapsed: 5s

plans:
  FREE:
    max_members: 5
    max_projects: 3
    storage_quota_bytes: 1073741824
  PRO:
    max_members: 20
    max_projects: 15
    storage_quota_bytes: 10737418240
  BUSINESS:
    max_members: 100
    max_projects: 0 # unlimited
    storage_quota_bytes: 107374182400

server:
  addr: ":8080"
  jwt_secret: ""
  token_ttl: 24h
  dev_login: false

log:
  level: info
  format: text

telemetry:
  enabled: false
  stdout: false
`
