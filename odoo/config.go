package odoo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// AuthMode selects the wire dialect for an instance.
type AuthMode int

const (
	// AuthAPIKey is the Odoo 19+ JSON-2 API with a bearer token.
	AuthAPIKey AuthMode = iota
	// AuthPassword is the pre-19 JSON-RPC dialect with username/password.
	AuthPassword
)

// InstanceConfig describes one Odoo instance. Field names follow the
// ODOO_INSTANCES JSON document; unknown fields in that document are ignored.
type InstanceConfig struct {
	URL        string `json:"url"`
	DB         string `json:"db,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Version    string `json:"version,omitempty"`
	TimeoutMS  uint64 `json:"timeout_ms,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

// Config holds every configured instance, keyed by instance name.
type Config struct {
	Instances map[string]InstanceConfig
}

// envVars is the scalar environment surface. ODOO_INSTANCES carries the
// multi-instance JSON inline; ODOO_INSTANCES_JSON names a file holding the
// same document. The remaining variables form the single-instance fallback
// and the global credential backfill.
type envVars struct {
	Instances     string `env:"ODOO_INSTANCES"`
	InstancesFile string `env:"ODOO_INSTANCES_JSON"`

	URL        string `env:"ODOO_URL"`
	DB         string `env:"ODOO_DB"`
	APIKey     string `env:"ODOO_API_KEY"`
	Username   string `env:"ODOO_USERNAME"`
	Password   string `env:"ODOO_PASSWORD"`
	Version    string `env:"ODOO_VERSION"`
	TimeoutMS  uint64 `env:"ODOO_TIMEOUT_MS"`
	MaxRetries *int   `env:"ODOO_MAX_RETRIES"`
}

// AuthMode determines the dialect for the instance: an explicit version below
// 19 forces the password dialect, as does having username/password but no API
// key. Everything else is the token dialect.
func (c InstanceConfig) AuthMode() AuthMode {
	if v := strings.TrimSpace(c.Version); v != "" {
		major, err := strconv.Atoi(strings.SplitN(v, ".", 2)[0])
		if err == nil && major < 19 {
			return AuthPassword
		}
	}
	if strings.TrimSpace(c.APIKey) == "" && c.Username != "" && c.Password != "" {
		return AuthPassword
	}
	return AuthAPIKey
}

// Timeout returns the per-request timeout, defaulting to 30s.
func (c InstanceConfig) Timeout() time.Duration {
	ms := c.TimeoutMS
	if ms == 0 {
		ms = defaultTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

// Retries returns the retry budget, defaulting to 3.
func (c InstanceConfig) Retries() int {
	if c.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *c.MaxRetries
}

// Names returns the configured instance names in sorted order.
func (c Config) Names() []string {
	names := make([]string, 0, len(c.Instances))
	for name := range c.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadEnv loads the instance configuration from the environment. The
// multi-instance JSON document wins; otherwise a single "default" instance is
// assembled from the scalar variables. Every instance is normalized and
// validated for its auth mode before the config is returned.
func LoadEnv() (Config, error) {
	var ev envVars
	if err := env.Parse(&ev); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	instances := make(map[string]InstanceConfig)

	raw := strings.TrimSpace(ev.Instances)
	if raw == "" && ev.InstancesFile != "" {
		fileBs, err := os.ReadFile(ev.InstancesFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read %s: %w", ev.InstancesFile, err)
		}
		raw = strings.TrimSpace(string(fileBs))
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &instances); err != nil {
			return Config{}, fmt.Errorf("failed to parse ODOO_INSTANCES JSON: %w", err)
		}
	}

	// Single-instance fallback: URL plus either an API key or a full
	// username/password pair.
	if len(instances) == 0 && ev.URL != "" {
		hasAPIKey := strings.TrimSpace(ev.APIKey) != ""
		hasPasswordAuth := strings.TrimSpace(ev.Username) != "" && strings.TrimSpace(ev.Password) != ""
		if hasAPIKey || hasPasswordAuth {
			instances["default"] = InstanceConfig{
				URL:        ev.URL,
				DB:         ev.DB,
				APIKey:     ev.APIKey,
				Username:   ev.Username,
				Password:   ev.Password,
				Version:    ev.Version,
				TimeoutMS:  ev.TimeoutMS,
				MaxRetries: ev.MaxRetries,
			}
		}
	}

	if len(instances) == 0 {
		return Config{}, errors.New(
			"no Odoo instances configured: set ODOO_INSTANCES, or ODOO_URL with ODOO_API_KEY (Odoo 19+) or ODOO_USERNAME/ODOO_PASSWORD/ODOO_VERSION (Odoo < 19)")
	}

	for name, cfg := range instances {
		cfg.URL = normalizeURL(cfg.URL)
		if cfg.Version == "" {
			cfg.Version = ev.Version
		}

		switch cfg.AuthMode() {
		case AuthAPIKey:
			if strings.TrimSpace(cfg.APIKey) == "" {
				if ev.APIKey == "" {
					return Config{}, fmt.Errorf(
						"missing apiKey for instance %q: provide it in ODOO_INSTANCES or set ODOO_API_KEY", name)
				}
				cfg.APIKey = ev.APIKey
			}
		case AuthPassword:
			if strings.TrimSpace(cfg.Username) == "" {
				if ev.Username == "" {
					return Config{}, fmt.Errorf(
						"missing username for instance %q: provide it in ODOO_INSTANCES or set ODOO_USERNAME", name)
				}
				cfg.Username = ev.Username
			}
			if strings.TrimSpace(cfg.Password) == "" {
				if ev.Password == "" {
					return Config{}, fmt.Errorf(
						"missing password for instance %q: provide it in ODOO_INSTANCES or set ODOO_PASSWORD", name)
				}
				cfg.Password = ev.Password
			}
			// The JSON-RPC dialect addresses the database in every call.
			if strings.TrimSpace(cfg.DB) == "" {
				return Config{}, fmt.Errorf(
					"missing db for instance %q: database is required for password auth", name)
			}
		}

		instances[name] = cfg
	}

	return Config{Instances: instances}, nil
}

func normalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.Contains(trimmed, "://") {
		return trimmed
	}
	return "http://" + trimmed
}
