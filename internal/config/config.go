// Package config loads realtime-relay settings from defaults, an optional
// YAML file, an optional env file and the process environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/philsphicas/realtime-relay/internal/upstream"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "REALTIME_RELAY_"

// DefaultEnvFile is loaded when present and no env file is named.
const DefaultEnvFile = ".dev.vars"

// Credential sources.
const (
	AuthEnv   = "env"
	AuthEntra = "entra"
)

// Config holds all realtime-relay settings.
type Config struct {
	Listen               string `yaml:"listen"`
	MetricsAddr          string `yaml:"metrics_addr"`
	MetricsMaxEventTypes int    `yaml:"metrics_max_event_types"`
	LogLevel             string `yaml:"log_level"`
	Debug                bool   `yaml:"debug"`

	Upstream Upstream `yaml:"upstream"`
	Relay    Relay    `yaml:"relay"`
}

// Upstream configures the realtime API connection.
type Upstream struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`

	// Auth is AuthEnv (API key from APIKeyEnv) or AuthEntra (Azure
	// DefaultAzureCredential).
	Auth       string `yaml:"auth"`
	APIKeyEnv  string `yaml:"api_key_env"`
	EntraScope string `yaml:"entra_scope"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	KeepAlive        time.Duration `yaml:"keepalive"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
}

// Relay configures the client-facing endpoint.
type Relay struct {
	AllowModelOverride bool     `yaml:"allow_model_override"`
	MaxSessions        int      `yaml:"max_sessions"`
	OriginPatterns     []string `yaml:"origin_patterns"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:               ":8787",
		MetricsMaxEventTypes: 200,
		LogLevel:             "info",
		Upstream: Upstream{
			URL:              upstream.DefaultURL,
			Model:            upstream.DefaultModel,
			Auth:             AuthEnv,
			APIKeyEnv:        upstream.DefaultCredentialEnv,
			EntraScope:       upstream.CognitiveServicesScope,
			HandshakeTimeout: 30 * time.Second,
			KeepAlive:        30 * time.Second,
			MaxMessageBytes:  upstream.DefaultMaxMessageBytes,
		},
	}
}

// Load returns Default overlaid with the YAML file at path. An empty path
// returns the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is an
// error only when required is true.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from REALTIME_RELAY_* variables. lookup is
// usually os.LookupEnv. Blank values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	var errs []error
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN", &c.Listen)
	str("METRICS_ADDR", &c.MetricsAddr)
	integer("METRICS_MAX_EVENT_TYPES", &c.MetricsMaxEventTypes)
	str("LOG_LEVEL", &c.LogLevel)
	boolean("DEBUG", &c.Debug)

	str("UPSTREAM_URL", &c.Upstream.URL)
	str("MODEL", &c.Upstream.Model)
	str("AUTH", &c.Upstream.Auth)
	str("API_KEY_ENV", &c.Upstream.APIKeyEnv)
	str("ENTRA_SCOPE", &c.Upstream.EntraScope)
	duration("HANDSHAKE_TIMEOUT", &c.Upstream.HandshakeTimeout)
	duration("KEEPALIVE", &c.Upstream.KeepAlive)
	if v, ok := get("MAX_MESSAGE_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_MESSAGE_BYTES: %w", EnvPrefix, err))
		} else {
			c.Upstream.MaxMessageBytes = n
		}
	}

	boolean("ALLOW_MODEL_OVERRIDE", &c.Relay.AllowModelOverride)
	integer("MAX_SESSIONS", &c.Relay.MaxSessions)
	if v, ok := get("ORIGIN_PATTERNS"); ok {
		c.Relay.OriginPatterns = SplitList(v)
	}

	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.MetricsMaxEventTypes < 0 {
		errs = append(errs, fmt.Errorf("metrics_max_event_types must be >= 0, got %d", c.MetricsMaxEventTypes))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}
	if _, err := upstream.ParseEndpoint(c.Upstream.URL); err != nil {
		errs = append(errs, fmt.Errorf("upstream url: %w", err))
	}
	if c.Upstream.Model == "" {
		errs = append(errs, errors.New("upstream model is required"))
	}
	switch c.Upstream.Auth {
	case AuthEnv:
		if c.Upstream.APIKeyEnv == "" {
			errs = append(errs, errors.New("api_key_env is required with auth=env"))
		}
	case AuthEntra:
	default:
		errs = append(errs, fmt.Errorf("auth must be %q or %q, got %q", AuthEnv, AuthEntra, c.Upstream.Auth))
	}
	if c.Upstream.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("handshake_timeout must be >= 0, got %s", c.Upstream.HandshakeTimeout))
	}
	if c.Upstream.KeepAlive < 0 {
		errs = append(errs, fmt.Errorf("keepalive must be >= 0, got %s", c.Upstream.KeepAlive))
	}
	if c.Upstream.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("max_message_bytes must be >= 0, got %d", c.Upstream.MaxMessageBytes))
	}
	if c.Relay.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("max_sessions must be >= 0, got %d", c.Relay.MaxSessions))
	}
	return errors.Join(errs...)
}

// SplitList splits a comma-separated list, dropping blank entries.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
