// Package config provides configuration management for the application.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names an explicit config file, bypassing the search path.
const EnvConfigFile = "DBHARNESS_CONFIG"

// configFileName is searched for in the working directory and ./config.
const configFileName = "dbharness.yaml"

// Config holds the application configuration
type Config struct {
	Fixture FixtureConfig `mapstructure:"fixture"`
	Log     LogConfig     `mapstructure:"log"`

	// DatabaseURL points at an externally managed database. When set no
	// container is started. Read from DATABASE_URL or DBHARNESS_DATABASE_URL.
	DatabaseURL string `mapstructure:"database_url"`
}

// FixtureConfig holds defaults for the container registry
type FixtureConfig struct {
	// Image is the database image started when none is requested explicitly
	Image string `mapstructure:"image"`
	// Reuse keeps the container running across processes
	Reuse bool `mapstructure:"reuse"`
	// Label partitions containers of the same image
	Label string `mapstructure:"label"`
	// StartupTimeout bounds launch plus readiness
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	// ProbeInterval is the first backoff step between readiness probes
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// Env overlays the container environment
	Env map[string]string `mapstructure:"env"`
	// Metrics registers registry metrics on the default Prometheus registerer
	Metrics bool `mapstructure:"metrics"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format is auto (colored text on a terminal, JSON otherwise), text or json
	Format string `mapstructure:"format"`
}

// Load reads configuration from .env, the optional YAML file and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	// .env is optional and never overrides variables already set
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DBHARNESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database_url", "DBHARNESS_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind DATABASE_URL: %w", err)
	}

	path, err := findConfigFile()
	if err != nil {
		return nil, err
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader([]byte(expandString(string(raw))))); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// viper lowercases map keys; container variables are conventionally upper case
	cfg.Fixture.Env = upperKeys(cfg.Fixture.Env)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func upperKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fixture.image", "postgres:16-alpine")
	v.SetDefault("fixture.reuse", false)
	v.SetDefault("fixture.label", "dbharness")
	v.SetDefault("fixture.startup_timeout", 2*time.Minute)
	v.SetDefault("fixture.probe_interval", 100*time.Millisecond)
	v.SetDefault("fixture.metrics", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("database_url", "")
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	if c.Fixture.StartupTimeout <= 0 {
		return fmt.Errorf("fixture.startup_timeout must be positive, got %s", c.Fixture.StartupTimeout)
	}
	if c.Fixture.ProbeInterval <= 0 {
		return fmt.Errorf("fixture.probe_interval must be positive, got %s", c.Fixture.ProbeInterval)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log.format must be auto, text or json, got %q", c.Log.Format)
	}
	return nil
}

func findConfigFile() (string, error) {
	if p := os.Getenv(EnvConfigFile); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("config file from %s: %w", EnvConfigFile, err)
		}
		return p, nil
	}
	for _, dir := range []string{".", "config"} {
		p := filepath.Join(dir, configFileName)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}
	}
	return "", nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} with environment values.
// Unset or empty variables without a default are left as written.
func expandString(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return m
	})
}

// YAML renders the effective configuration with the password in
// DatabaseURL masked.
func (c *Config) YAML() ([]byte, error) {
	type fixtureView struct {
		Image          string            `yaml:"image"`
		Reuse          bool              `yaml:"reuse"`
		Label          string            `yaml:"label"`
		StartupTimeout string            `yaml:"startup_timeout"`
		ProbeInterval  string            `yaml:"probe_interval"`
		Env            map[string]string `yaml:"env,omitempty"`
		Metrics        bool              `yaml:"metrics"`
	}
	type view struct {
		Fixture     fixtureView `yaml:"fixture"`
		Log         LogConfig   `yaml:"log"`
		DatabaseURL string      `yaml:"database_url,omitempty"`
	}
	out := view{
		Fixture: fixtureView{
			Image:          c.Fixture.Image,
			Reuse:          c.Fixture.Reuse,
			Label:          c.Fixture.Label,
			StartupTimeout: c.Fixture.StartupTimeout.String(),
			ProbeInterval:  c.Fixture.ProbeInterval.String(),
			Env:            c.Fixture.Env,
			Metrics:        c.Fixture.Metrics,
		},
		Log:         c.Log,
		DatabaseURL: redactURL(c.DatabaseURL),
	}
	return yaml.Marshal(out)
}

var userinfoPassword = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*://[^:/@]*):[^@]*@`)

func redactURL(s string) string {
	return userinfoPassword.ReplaceAllString(s, "${1}:xxxxx@")
}
