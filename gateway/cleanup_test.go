package gateway

import (
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseCleanupDryRun(t *testing.T) {
	var unlinkCalls, writeCalls atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/search"):
			w.Write([]byte(`[11, 12]`))
		case strings.HasSuffix(r.URL.Path, "/unlink"):
			unlinkCalls.Add(1)
			w.Write([]byte(`true`))
		case strings.HasSuffix(r.URL.Path, "/write"):
			writeCalls.Add(1)
			w.Write([]byte(`true`))
		default:
			http.NotFound(w, r)
		}
	})
	srv, reg := newTestGateway(t, handler)

	t.Setenv("ODOO_ENABLE_CLEANUP_TOOLS", "1")
	require.NoError(t, reg.Load())

	result := callTool(t, srv, "odoo_database_cleanup", map[string]any{
		"instance": "test",
		"dryRun":   true,
	})
	require.False(t, result.IsError)
	payload := resultPayload(t, result)

	assert.Equal(t, true, payload["success"])
	assert.Equal(t, true, payload["dry_run"])
	assert.Zero(t, unlinkCalls.Load(), "dry run must not delete")
	assert.Zero(t, writeCalls.Load(), "dry run must not archive")

	summary, ok := payload["summary"].(map[string]any)
	require.True(t, ok)
	// 5 test-data targets, 2 matches each.
	assert.Equal(t, float64(10), summary["testDataRemoved"])
	assert.Equal(t, float64(6), summary["inactiveRecordsArchived"])
	assert.Equal(t, false, summary["cacheCleared"], "dry run skips cache clearing")
	assert.NotZero(t, summary["totalRecordsProcessed"])

	details, ok := payload["details"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, details)
	first, ok := details[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, first["details"], "[DRY RUN]")
}

func TestDatabaseCleanupExecutesAndReportsErrors(t *testing.T) {
	var unlinkCalls atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/stock.move/"):
			// One failing model keeps the rest of the run going.
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message": "access denied"}`))
		case strings.HasSuffix(r.URL.Path, "/search"):
			w.Write([]byte(`[21]`))
		case strings.HasSuffix(r.URL.Path, "/unlink"),
			strings.HasSuffix(r.URL.Path, "/write"),
			strings.HasSuffix(r.URL.Path, "/clear_caches"),
			strings.HasSuffix(r.URL.Path, "/clear_session_cache"):
			unlinkCalls.Add(1)
			w.Write([]byte(`true`))
		default:
			http.NotFound(w, r)
		}
	})
	srv, reg := newTestGateway(t, handler)

	t.Setenv("ODOO_ENABLE_CLEANUP_TOOLS", "1")
	require.NoError(t, reg.Load())

	result := callTool(t, srv, "odoo_database_cleanup", map[string]any{
		"instance": "test",
	})
	require.False(t, result.IsError)
	payload := resultPayload(t, result)

	assert.Equal(t, false, payload["success"], "a failed step marks the run unsuccessful")
	errs, ok := payload["errors"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "stock.move")
	assert.NotZero(t, unlinkCalls.Load())
}

func TestDeepCleanupDryRunByDefault(t *testing.T) {
	var unlinkCalls atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/res.partner/search_read"):
			w.Write([]byte(`[
				{"id": 1, "name": "Administrator"},
				{"id": 2, "name": "Azure Interior"}
			]`))
		case strings.HasSuffix(r.URL.Path, "/search"):
			w.Write([]byte(`[31, 32, 33]`))
		case strings.HasSuffix(r.URL.Path, "/search_count"):
			w.Write([]byte(`1`))
		case strings.HasSuffix(r.URL.Path, "/unlink"):
			unlinkCalls.Add(1)
			w.Write([]byte(`true`))
		default:
			http.NotFound(w, r)
		}
	})
	srv, reg := newTestGateway(t, handler)

	t.Setenv("ODOO_ENABLE_CLEANUP_TOOLS", "yes")
	require.NoError(t, reg.Load())

	result := callTool(t, srv, "odoo_deep_cleanup", map[string]any{
		"instance": "test",
	})
	require.False(t, result.IsError)
	payload := resultPayload(t, result)

	assert.Equal(t, true, payload["dry_run"], "deep cleanup defaults to dry run")
	assert.Zero(t, unlinkCalls.Load())

	summary, ok := payload["summary"].(map[string]any)
	require.True(t, ok)
	// Administrator is protected, Azure Interior is not.
	assert.Equal(t, float64(1), summary["partnersRemoved"])
	assert.NotZero(t, summary["totalRecordsRemoved"])

	retained, ok := payload["defaultDataRetained"].([]any)
	require.True(t, ok)
	assert.Contains(t, retained, "✓ Default Company Retained")
	assert.Contains(t, retained, "✓ Admin User Retained")

	warnings, ok := payload["warnings"].([]any)
	require.True(t, ok)
	assert.Empty(t, warnings, "dry run carries no post-removal warning")
}
