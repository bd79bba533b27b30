package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/odookit/odoo-mcp/mcp"
	"github.com/odookit/odoo-mcp/odoo"
)

const (
	resourceScheme   = "odoo://"
	resourceMimeType = "application/json"
)

// resourceKind discriminates the three resource URI shapes.
type resourceKind int

const (
	resourceInstances resourceKind = iota
	resourceModels
	resourceMetadata
)

// resourceURI is a parsed odoo:// resource address:
//
//	odoo://instances
//	odoo://{instance}/models
//	odoo://{instance}/metadata/{model}
type resourceURI struct {
	kind     resourceKind
	instance string
	model    string
}

func parseResourceURI(raw string) (resourceURI, error) {
	if !strings.HasPrefix(raw, resourceScheme) {
		return resourceURI{}, fmt.Errorf("invalid URI scheme: expected %q, got %q", resourceScheme, raw)
	}
	path := strings.TrimPrefix(raw, resourceScheme)

	if path == "instances" {
		return resourceURI{kind: resourceInstances}, nil
	}

	instance, rest, found := strings.Cut(path, "/")
	if !found || instance == "" {
		return resourceURI{}, fmt.Errorf("invalid resource URI: %q", raw)
	}
	if rest == "models" {
		return resourceURI{kind: resourceModels, instance: instance}, nil
	}
	if model, ok := strings.CutPrefix(rest, "metadata/"); ok && model != "" {
		return resourceURI{kind: resourceMetadata, instance: instance, model: model}, nil
	}
	return resourceURI{}, fmt.Errorf("invalid resource URI: %q", raw)
}

func (u resourceURI) String() string {
	switch u.kind {
	case resourceModels:
		return resourceScheme + u.instance + "/models"
	case resourceMetadata:
		return resourceScheme + u.instance + "/metadata/" + u.model
	default:
		return resourceScheme + "instances"
	}
}

// ListResources implements mcp.ResourceServer. The catalog is static per
// configuration: the instance index plus a model list per instance.
func (s *Server) ListResources(_ context.Context, _ mcp.ListResourcesParams) (mcp.ListResourcesResult, error) {
	resources := []mcp.Resource{
		{
			URI:         resourceURI{kind: resourceInstances}.String(),
			Name:        "Configured Odoo instances",
			Description: "Names of the Odoo instances this server can reach",
			MimeType:    resourceMimeType,
		},
	}
	for _, name := range s.pool.InstanceNames() {
		resources = append(resources, mcp.Resource{
			URI:         resourceURI{kind: resourceModels, instance: name}.String(),
			Name:        "Models in " + name,
			Description: "Models installed on the " + name + " instance",
			MimeType:    resourceMimeType,
		})
	}
	return mcp.ListResourcesResult{Resources: resources}, nil
}

// ReadResource implements mcp.ResourceServer.
func (s *Server) ReadResource(ctx context.Context, params mcp.ReadResourceParams) (mcp.ReadResourceResult, error) {
	uri, err := parseResourceURI(params.URI)
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}

	switch uri.kind {
	case resourceInstances:
		return s.readInstances(params.URI)
	case resourceModels:
		return s.readModels(ctx, uri, params.URI)
	default:
		return s.readMetadata(ctx, uri, params.URI)
	}
}

func (s *Server) readInstances(uri string) (mcp.ReadResourceResult, error) {
	names := s.pool.InstanceNames()
	entries := make([]map[string]string, 0, len(names))
	for _, name := range names {
		entries = append(entries, map[string]string{"name": name})
	}
	return resourceJSON(uri, entries)
}

func (s *Server) readModels(ctx context.Context, uri resourceURI, raw string) (mcp.ReadResourceResult, error) {
	client, err := s.pool.Get(uri.instance)
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}
	models, err := client.SearchRead(ctx, "ir.model", []any{},
		odoo.SearchOptions{Fields: []string{"model", "name"}})
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}
	return resourceJSON(raw, models)
}

func (s *Server) readMetadata(ctx context.Context, uri resourceURI, raw string) (mcp.ReadResourceResult, error) {
	client, err := s.pool.Get(uri.instance)
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}
	metadata, err := fetchModelMetadata(ctx, client, uri.model)
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}
	return resourceJSON(raw, metadata)
}

func resourceJSON(uri string, value any) (mcp.ReadResourceResult, error) {
	text, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return mcp.ReadResourceResult{}, fmt.Errorf("encoding resource %s: %w", uri, err)
	}
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{URI: uri, MimeType: resourceMimeType, Text: string(text)},
		},
	}, nil
}
