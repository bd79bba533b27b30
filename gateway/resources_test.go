package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceURI(t *testing.T) {
	tests := []struct {
		raw  string
		want resourceURI
	}{
		{"odoo://instances", resourceURI{kind: resourceInstances}},
		{"odoo://prod/models", resourceURI{kind: resourceModels, instance: "prod"}},
		{"odoo://prod/metadata/res.partner", resourceURI{kind: resourceMetadata, instance: "prod", model: "res.partner"}},
	}
	for _, tt := range tests {
		got, err := parseResourceURI(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
		assert.Equal(t, tt.raw, got.String(), "round trip of %s", tt.raw)
	}
}

func TestParseResourceURIRejectsMalformed(t *testing.T) {
	invalid := []string{
		"http://prod/models",
		"odoo://",
		"odoo://prod",
		"odoo://prod/",
		"odoo://prod/metadata/",
		"odoo://prod/unknown",
		"odoo:///models",
		"instances",
	}
	for _, raw := range invalid {
		_, err := parseResourceURI(raw)
		assert.Error(t, err, "uri %q must be rejected", raw)
	}
}
