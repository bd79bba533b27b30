package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odookit/odoo-mcp/registry"
)

func decodeArgs(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestResolvePointer(t *testing.T) {
	root := decodeArgs(t, `{"a": {"b": [10, 20]}, "x~y": 1, "p/q": 2}`)

	tests := []struct {
		pointer string
		want    any
		found   bool
	}{
		{"", root, true},
		{"/a/b/1", float64(20), true},
		{"/x~0y", float64(1), true},
		{"/p~1q", float64(2), true},
		{"/a/missing", nil, false},
		{"/a/b/5", nil, false},
		{"/a/b/-1", nil, false},
		{"a", nil, false},
	}
	for _, tt := range tests {
		got, found := resolvePointer(root, tt.pointer)
		assert.Equal(t, tt.found, found, "pointer %q", tt.pointer)
		if tt.found {
			assert.Equal(t, tt.want, got, "pointer %q", tt.pointer)
		}
	}
}

func TestArgumentResolution(t *testing.T) {
	op := registry.OpSpec{Type: "search", Map: map[string]string{
		"model":  "/model",
		"limit":  "/limit",
		"fields": "/fields",
		"ids":    "/ids",
		"flag":   "/flag",
	}}

	t.Run("required string", func(t *testing.T) {
		args := decodeArgs(t, `{"model": "res.partner"}`)
		model, err := reqString(args, op, "model")
		require.NoError(t, err)
		assert.Equal(t, "res.partner", model)

		_, err = reqString(decodeArgs(t, `{}`), op, "model")
		assert.EqualError(t, err, `missing required argument "model"`)

		_, err = reqString(decodeArgs(t, `{"model": 5}`), op, "model")
		assert.EqualError(t, err, `argument "model" must be a string`)
	})

	t.Run("explicit null counts as absent for optionals", func(t *testing.T) {
		args := decodeArgs(t, `{"limit": null, "fields": null, "flag": null}`)

		_, ok, err := optInt(args, op, "limit")
		require.NoError(t, err)
		assert.False(t, ok)

		fields, err := optStringSlice(args, op, "fields")
		require.NoError(t, err)
		assert.Nil(t, fields)

		_, ok, err = optBool(args, op, "flag")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("type mismatches are reported", func(t *testing.T) {
		_, _, err := optInt(decodeArgs(t, `{"limit": 1.5}`), op, "limit")
		assert.EqualError(t, err, `argument "limit" must be an integer`)

		_, _, err = optBool(decodeArgs(t, `{"flag": "yes"}`), op, "flag")
		assert.EqualError(t, err, `argument "flag" must be a boolean`)

		_, err = optStringSlice(decodeArgs(t, `{"fields": ["a", 2]}`), op, "fields")
		assert.EqualError(t, err, `argument "fields" items must be strings`)
	})

	t.Run("id arrays", func(t *testing.T) {
		ids, err := reqInt64Slice(decodeArgs(t, `{"ids": [1, 2, 3]}`), op, "ids")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, ids)

		_, err = reqInt64Slice(decodeArgs(t, `{}`), op, "ids")
		assert.EqualError(t, err, `missing required argument "ids"`)

		_, err = reqInt64Slice(decodeArgs(t, `{"ids": [1, "x"]}`), op, "ids")
		assert.EqualError(t, err, `argument "ids" items must be integers`)

		_, err = reqInt64Slice(decodeArgs(t, `{"ids": [1.5]}`), op, "ids")
		assert.EqualError(t, err, `argument "ids" items must be integers`)
	})

	t.Run("required value rejects explicit null", func(t *testing.T) {
		opCreate := registry.OpSpec{Type: "create", Map: map[string]string{"values": "/values"}}

		_, err := reqValue(decodeArgs(t, `{"values": null}`), opCreate, "values")
		assert.EqualError(t, err, `argument "values" must not be null`)

		_, err = reqValue(decodeArgs(t, `{}`), opCreate, "values")
		assert.EqualError(t, err, `missing required argument "values"`)

		v, err := reqValue(decodeArgs(t, `{"values": {"name": "x"}}`), opCreate, "values")
		require.NoError(t, err)
		assert.NotNil(t, v)
	})

	t.Run("unmapped key is absent", func(t *testing.T) {
		args := decodeArgs(t, `{"other": 1}`)
		_, err := reqString(args, op, "unmapped")
		assert.EqualError(t, err, `missing required argument "unmapped"`)
	})
}

func TestSingleIntArray(t *testing.T) {
	ids, ok := singleIntArray(decodeArgs(t, `[[1, 2, 3]]`).([]any))
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	_, ok = singleIntArray(decodeArgs(t, `[[1, "a"]]`).([]any))
	assert.False(t, ok)

	_, ok = singleIntArray(decodeArgs(t, `[1, 2]`).([]any))
	assert.False(t, ok)

	_, ok = singleIntArray(decodeArgs(t, `[]`).([]any))
	assert.False(t, ok)

	ids, ok = singleIntArray(decodeArgs(t, `[[]]`).([]any))
	require.True(t, ok)
	assert.Empty(t, ids)
}
