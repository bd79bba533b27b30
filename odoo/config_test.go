package odoo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odookit/odoo-mcp/odoo"
)

func TestInstanceConfigAuthMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  odoo.InstanceConfig
		want odoo.AuthMode
	}{
		{
			name: "api key only",
			cfg:  odoo.InstanceConfig{APIKey: "key"},
			want: odoo.AuthAPIKey,
		},
		{
			name: "version below 19 forces password auth",
			cfg:  odoo.InstanceConfig{APIKey: "key", Version: "16.0", Username: "admin", Password: "pw"},
			want: odoo.AuthPassword,
		},
		{
			name: "version 19 keeps api key auth",
			cfg:  odoo.InstanceConfig{APIKey: "key", Version: "19.0"},
			want: odoo.AuthAPIKey,
		},
		{
			name: "username and password without api key",
			cfg:  odoo.InstanceConfig{Username: "admin", Password: "pw"},
			want: odoo.AuthPassword,
		},
		{
			name: "unparseable version falls through to credentials",
			cfg:  odoo.InstanceConfig{Version: "saas~17", Username: "admin", Password: "pw"},
			want: odoo.AuthPassword,
		},
		{
			name: "nothing configured defaults to api key mode",
			cfg:  odoo.InstanceConfig{},
			want: odoo.AuthAPIKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.AuthMode())
		})
	}
}

func clearOdooEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ODOO_INSTANCES", "ODOO_INSTANCES_JSON", "ODOO_URL", "ODOO_DB",
		"ODOO_API_KEY", "ODOO_USERNAME", "ODOO_PASSWORD", "ODOO_VERSION",
		"ODOO_TIMEOUT_MS", "ODOO_MAX_RETRIES",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadEnvMultiInstance(t *testing.T) {
	clearOdooEnv(t)
	t.Setenv("ODOO_INSTANCES", `{
		"prod": {"url": "odoo.example.com", "apiKey": "prod-key", "ignored_field": true},
		"staging": {"url": "https://staging.example.com", "db": "staging", "username": "admin", "password": "pw", "version": "16.0"}
	}`)

	cfg, err := odoo.LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"prod", "staging"}, cfg.Names())

	prod := cfg.Instances["prod"]
	assert.Equal(t, "http://odoo.example.com", prod.URL, "scheme-less urls get an http prefix")
	assert.Equal(t, odoo.AuthAPIKey, prod.AuthMode())

	staging := cfg.Instances["staging"]
	assert.Equal(t, "https://staging.example.com", staging.URL)
	assert.Equal(t, odoo.AuthPassword, staging.AuthMode())
}

func TestLoadEnvSingleInstanceFallback(t *testing.T) {
	clearOdooEnv(t)
	t.Setenv("ODOO_URL", "https://odoo.example.com")
	t.Setenv("ODOO_API_KEY", "the-key")
	t.Setenv("ODOO_TIMEOUT_MS", "5000")

	cfg, err := odoo.LoadEnv()
	require.NoError(t, err)
	require.Contains(t, cfg.Instances, "default")

	inst := cfg.Instances["default"]
	assert.Equal(t, "the-key", inst.APIKey)
	assert.Equal(t, uint64(5000), inst.TimeoutMS)
}

func TestLoadEnvGlobalCredentialBackfill(t *testing.T) {
	clearOdooEnv(t)
	t.Setenv("ODOO_INSTANCES", `{"prod": {"url": "https://odoo.example.com"}}`)
	t.Setenv("ODOO_API_KEY", "shared-key")

	cfg, err := odoo.LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "shared-key", cfg.Instances["prod"].APIKey)
}

func TestLoadEnvErrors(t *testing.T) {
	t.Run("no instances configured", func(t *testing.T) {
		clearOdooEnv(t)
		_, err := odoo.LoadEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no Odoo instances configured")
	})

	t.Run("missing api key", func(t *testing.T) {
		clearOdooEnv(t)
		t.Setenv("ODOO_INSTANCES", `{"prod": {"url": "https://odoo.example.com"}}`)
		_, err := odoo.LoadEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `missing apiKey for instance "prod"`)
	})

	t.Run("missing db for password auth", func(t *testing.T) {
		clearOdooEnv(t)
		t.Setenv("ODOO_INSTANCES", `{"old": {"url": "https://odoo.example.com", "username": "admin", "password": "pw", "version": "14.0"}}`)
		_, err := odoo.LoadEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `missing db for instance "old"`)
	})

	t.Run("malformed instances json", func(t *testing.T) {
		clearOdooEnv(t)
		t.Setenv("ODOO_INSTANCES", `{"prod": `)
		_, err := odoo.LoadEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse ODOO_INSTANCES JSON")
	})
}

func TestInstanceConfigDefaults(t *testing.T) {
	var cfg odoo.InstanceConfig
	assert.Equal(t, "30s", cfg.Timeout().String())
	assert.Equal(t, 3, cfg.Retries())

	zero := 0
	cfg.MaxRetries = &zero
	assert.Equal(t, 0, cfg.Retries(), "explicit zero disables retries")
}
