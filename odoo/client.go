package odoo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
)

// tokenClient speaks the Odoo 19+ JSON-2 API: one POST per operation against
// /json/2/{model}/{method}, authenticated with a bearer token.
type tokenClient struct {
	name    string
	baseURL *url.URL
	db      string
	apiKey  string
	caller  httpCaller
}

func newTokenClient(name string, cfg InstanceConfig) (*tokenClient, error) {
	base, err := parseOrigin(cfg.URL)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing api key for instance %q", name)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &tokenClient{
		name:    name,
		baseURL: base,
		db:      cfg.DB,
		apiKey:  cfg.APIKey,
		caller: httpCaller{
			http: &http.Client{
				Timeout: cfg.Timeout(),
				Jar:     jar,
			},
			maxRetries: cfg.Retries(),
			logger: slog.Default().With(
				slog.String("package", "odoo"),
				slog.String("instance", name),
			),
		},
	}, nil
}

// parseOrigin keeps scheme/host/port of the configured URL and strips
// path/query/fragment.
func parseOrigin(raw string) (*url.URL, error) {
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid Odoo url %q: %w", raw, err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid Odoo url %q: missing host", raw)
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	return base, nil
}

func (c *tokenClient) Legacy() bool { return false }

func (c *tokenClient) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "bearer "+c.apiKey)
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("User-Agent", userAgent)
	if strings.TrimSpace(c.db) != "" {
		h.Set("X-Odoo-Database", c.db)
	}
	return h
}

func (c *tokenClient) endpoint(model, method string) string {
	u := *c.baseURL
	u.Path = fmt.Sprintf("/json/2/%s/%s", model, method)
	return u.String()
}

func (c *tokenClient) call(ctx context.Context, model, method string, body map[string]any) (any, error) {
	respBs, err := c.caller.postJSON(ctx, c.endpoint(model, method), c.header(), body)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(respBs, &v); err != nil {
		return nil, fmt.Errorf("failed to parse response from %s.%s: %w", model, method, err)
	}
	return v, nil
}

func (c *tokenClient) Search(ctx context.Context, model string, domain any, opts SearchOptions) ([]int64, error) {
	body := map[string]any{}
	putContext(body, opts.Context)
	if domain != nil {
		body["domain"] = domain
	}
	putSearchOptions(body, opts)

	v, err := c.call(ctx, model, "search", body)
	if err != nil {
		return nil, err
	}
	ids, ok := asInt64Slice(v)
	if !ok {
		return nil, fmt.Errorf("expected array of ids from search, got %T", v)
	}
	return ids, nil
}

func (c *tokenClient) SearchRead(ctx context.Context, model string, domain any, opts SearchOptions) (any, error) {
	body := map[string]any{}
	putContext(body, opts.Context)
	if domain != nil {
		body["domain"] = domain
	}
	if len(opts.Fields) > 0 {
		body["fields"] = opts.Fields
	}
	putSearchOptions(body, opts)

	return c.call(ctx, model, "search_read", body)
}

func (c *tokenClient) Read(ctx context.Context, model string, ids []int64, fields []string) (any, error) {
	body := map[string]any{"ids": ids}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	return c.call(ctx, model, "read", body)
}

// Create wraps a single object into a one-element vals_list; the endpoint's
// create signature is create(vals_list) and answers with an array of ids, of
// which the first is returned.
func (c *tokenClient) Create(ctx context.Context, model string, values any) (int64, error) {
	valsList := values
	if _, ok := values.([]any); !ok {
		valsList = []any{values}
	}

	v, err := c.call(ctx, model, "create", map[string]any{"vals_list": valsList})
	if err != nil {
		return 0, err
	}

	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return 0, fmt.Errorf("create returned empty array")
		}
		id, ok := asInt64(arr[0])
		if !ok {
			return 0, fmt.Errorf("expected created id in array from create, got %v", v)
		}
		return id, nil
	}

	id, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("expected created id from create, got %v", v)
	}
	return id, nil
}

func (c *tokenClient) Write(ctx context.Context, model string, ids []int64, values any) (bool, error) {
	v, err := c.call(ctx, model, "write", map[string]any{"ids": ids, "vals": values})
	if err != nil {
		return false, err
	}
	ok, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("expected boolean from write, got %T", v)
	}
	return ok, nil
}

func (c *tokenClient) Unlink(ctx context.Context, model string, ids []int64) (bool, error) {
	v, err := c.call(ctx, model, "unlink", map[string]any{"ids": ids})
	if err != nil {
		return false, err
	}
	ok, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("expected boolean from unlink, got %T", v)
	}
	return ok, nil
}

func (c *tokenClient) SearchCount(ctx context.Context, model string, domain any) (int64, error) {
	body := map[string]any{}
	if domain != nil {
		body["domain"] = domain
	}
	v, err := c.call(ctx, model, "search_count", body)
	if err != nil {
		return 0, err
	}
	count, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("expected count from search_count, got %T", v)
	}
	return count, nil
}

func (c *tokenClient) FieldsGet(ctx context.Context, model string) (any, error) {
	return c.call(ctx, model, "fields_get", map[string]any{})
}

func (c *tokenClient) CallNamed(ctx context.Context, model, method string, ids []int64, params map[string]any) (any, error) {
	body := make(map[string]any, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	if ids != nil {
		body["ids"] = ids
	}
	return c.call(ctx, model, method, body)
}

func (c *tokenClient) DownloadReportPDF(ctx context.Context, reportName string, ids []int64) ([]byte, error) {
	u := *c.baseURL
	u.Path = fmt.Sprintf("/report/pdf/%s/%s", reportName, joinIDs(ids))
	return c.caller.getRaw(ctx, u.String(), c.header())
}

func (c *tokenClient) ReadGroup(ctx context.Context, model string, domain any, fields, groupBy []string, opts ReadGroupOptions) (any, error) {
	body := map[string]any{
		"fields":  fields,
		"groupby": groupBy,
	}
	putContext(body, opts.Context)
	if domain != nil {
		body["domain"] = domain
	}
	if opts.Offset > 0 {
		body["offset"] = opts.Offset
	}
	if opts.Limit > 0 {
		body["limit"] = opts.Limit
	}
	if opts.OrderBy != "" {
		body["orderby"] = opts.OrderBy
	}
	if opts.Lazy != nil {
		body["lazy"] = *opts.Lazy
	}
	return c.call(ctx, model, "read_group", body)
}

func (c *tokenClient) NameSearch(ctx context.Context, model, name string, args any, operator string, limit int64) (any, error) {
	body := map[string]any{}
	if name != "" {
		body["name"] = name
	}
	if args != nil {
		body["args"] = args
	}
	if operator != "" {
		body["operator"] = operator
	}
	if limit > 0 {
		body["limit"] = limit
	}
	return c.call(ctx, model, "name_search", body)
}

func (c *tokenClient) NameGet(ctx context.Context, model string, ids []int64) (any, error) {
	return c.call(ctx, model, "name_get", map[string]any{"ids": ids})
}

func (c *tokenClient) DefaultGet(ctx context.Context, model string, fieldsList []string) (any, error) {
	return c.call(ctx, model, "default_get", map[string]any{"fields_list": fieldsList})
}

func (c *tokenClient) Copy(ctx context.Context, model string, id int64, defaults map[string]any) (int64, error) {
	body := map[string]any{"ids": []int64{id}}
	if defaults != nil {
		body["default"] = defaults
	}
	v, err := c.call(ctx, model, "copy", body)
	if err != nil {
		return 0, err
	}

	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return 0, fmt.Errorf("copy returned empty array")
		}
		newID, ok := asInt64(arr[0])
		if !ok {
			return 0, fmt.Errorf("expected id in array from copy, got %v", v)
		}
		return newID, nil
	}

	newID, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("expected id from copy, got %v", v)
	}
	return newID, nil
}

func (c *tokenClient) Onchange(ctx context.Context, model string, ids []int64, values any, fieldName []string, fieldOnchange any) (any, error) {
	return c.call(ctx, model, "onchange", map[string]any{
		"ids":            ids,
		"values":         values,
		"field_name":     fieldName,
		"field_onchange": fieldOnchange,
	})
}

func (c *tokenClient) HealthCheck(ctx context.Context) error {
	_, err := c.SearchCount(ctx, "ir.model", []any{})
	return err
}

func putSearchOptions(body map[string]any, opts SearchOptions) {
	if opts.Limit > 0 {
		body["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		body["offset"] = opts.Offset
	}
	if opts.Order != "" {
		body["order"] = opts.Order
	}
}

func putContext(body map[string]any, octx map[string]any) {
	if len(octx) > 0 {
		body["context"] = octx
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
