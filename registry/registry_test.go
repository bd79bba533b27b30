package registry_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odookit/odoo-mcp/registry"
)

func tempRegistry(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(
		filepath.Join(dir, "tools.json"),
		filepath.Join(dir, "prompts.json"),
		filepath.Join(dir, "server.json"),
		nil,
	)
	return reg, dir
}

func writeTools(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tools.json"), []byte(content), 0o644))
}

func TestLoadSeedsMissingFiles(t *testing.T) {
	reg, dir := tempRegistry(t)
	require.NoError(t, reg.Load())

	for _, name := range []string{"tools.json", "prompts.json", "server.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "%s must be seeded from defaults", name)
	}

	assert.Equal(t, "odoo-mcp", reg.ServerName())
	assert.NotEmpty(t, reg.Instructions())
	assert.Equal(t, "2024-11-05", reg.ProtocolVersionDefault())

	tools := reg.ListTools()
	assert.NotEmpty(t, tools)
	for _, tool := range tools {
		assert.NotContains(t, []string{"odoo_database_cleanup", "odoo_deep_cleanup"}, tool.Name,
			"cleanup tools must be hidden while their guard env var is unset")
	}

	prompts := reg.ListPrompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, "odoo_common_models", prompts[0].Name)
	assert.Equal(t, "odoo_domain_filters", prompts[1].Name)
}

func TestGuardVisibilityAndCallability(t *testing.T) {
	reg, _ := tempRegistry(t)

	t.Run("falsy values hide the tool", func(t *testing.T) {
		for _, v := range []string{"", "0", "false", "no", "off"} {
			t.Setenv("ODOO_ENABLE_CLEANUP_TOOLS", v)
			require.NoError(t, reg.Load())
			_, ok := reg.Tool("odoo_database_cleanup")
			assert.False(t, ok, "guard value %q must hide the tool", v)
		}
	})

	t.Run("truthy values expose the tool", func(t *testing.T) {
		for _, v := range []string{"1", "true", "TRUE", "yes", "Y", "on"} {
			t.Setenv("ODOO_ENABLE_CLEANUP_TOOLS", v)
			require.NoError(t, reg.Load())
			_, ok := reg.Tool("odoo_database_cleanup")
			assert.True(t, ok, "guard value %q must expose the tool", v)

			var found bool
			for _, tool := range reg.ListTools() {
				if tool.Name == "odoo_database_cleanup" {
					found = true
				}
			}
			assert.True(t, found)
		}
	})
}

func TestDuplicateToolNameRetainsPriorSnapshot(t *testing.T) {
	reg, dir := tempRegistry(t)
	writeTools(t, dir, `{"tools": [
		{"name": "odoo_search", "description": "a", "inputSchema": {"type": "object"}, "op": {"type": "search", "map": {}}}
	]}`)
	require.NoError(t, reg.Load())
	require.Len(t, reg.ListTools(), 1)

	writeTools(t, dir, `{"tools": [
		{"name": "odoo_search", "description": "a", "inputSchema": {"type": "object"}, "op": {"type": "search", "map": {}}},
		{"name": "odoo_search", "description": "b", "inputSchema": {"type": "object"}, "op": {"type": "search", "map": {}}}
	]}`)
	err := reg.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool name")

	tools := reg.ListTools()
	require.Len(t, tools, 1, "prior snapshot must stay live after a failed reload")
	assert.Equal(t, "a", tools[0].Description)
}

func TestSchemaSafetyValidation(t *testing.T) {
	reg, dir := tempRegistry(t)
	require.NoError(t, reg.Load())

	bad := []string{
		`{"type": "object", "properties": {"x": {"anyOf": [{"type": "string"}]}}}`,
		`{"type": "object", "properties": {"x": {"$ref": "#/definitions/x"}}}`,
		`{"type": "object", "properties": {"x": {"type": ["string", "null"]}}}`,
		`{"definitions": {"x": {"type": "string"}}}`,
	}
	for _, schema := range bad {
		writeTools(t, dir, `{"tools": [{"name": "t", "description": "d", "inputSchema": `+schema+`, "op": {"type": "search", "map": {}}}]}`)
		err := reg.Load()
		require.Error(t, err, "schema %s must be rejected", schema)
		assert.Contains(t, err.Error(), "invalid inputSchema")
	}

	// A plain nested object schema passes.
	writeTools(t, dir, `{"tools": [{"name": "t", "description": "d", "inputSchema": {"type": "object", "properties": {"x": {"type": "array", "items": {"type": "integer"}}}}, "op": {"type": "search", "map": {}}}]}`)
	require.NoError(t, reg.Load())
}

func TestMalformedJSONRetainsPriorSnapshot(t *testing.T) {
	reg, dir := tempRegistry(t)
	require.NoError(t, reg.Load())
	before := len(reg.ListTools())
	require.NotZero(t, before)

	writeTools(t, dir, `{"tools": [`)
	require.Error(t, reg.Load())
	assert.Len(t, reg.ListTools(), before)
}

func TestToolDefOpMapPointers(t *testing.T) {
	reg, _ := tempRegistry(t)
	require.NoError(t, reg.Load())

	tool, ok := reg.Tool("odoo_search")
	require.True(t, ok)
	assert.Equal(t, "search", tool.Op.Type)
	assert.Equal(t, "/instance", tool.Op.Map["instance"])
	assert.Equal(t, "/model", tool.Op.Map["model"])

	var schema map[string]any
	require.NoError(t, json.Unmarshal(tool.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	reg, dir := tempRegistry(t)
	require.NoError(t, reg.Load())
	defer reg.Close()

	reloaded := make(chan struct{}, 4)
	reg.OnReload(func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	require.NoError(t, reg.Watch())

	writeTools(t, dir, `{"tools": [
		{"name": "only_tool", "description": "d", "inputSchema": {"type": "object"}, "op": {"type": "search", "map": {}}}
	]}`)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-reloaded:
			if tools := reg.ListTools(); len(tools) == 1 && tools[0].Name == "only_tool" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for watcher reload")
		}
	}
}
