package odoo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
)

// sessionClient speaks the pre-19 JSON-RPC dialect: every operation is an
// execute_kw call on the /jsonrpc endpoint, authenticated with a uid obtained
// from common.authenticate and cached for the lifetime of the client.
type sessionClient struct {
	name     string
	baseURL  *url.URL
	db       string
	username string
	password string
	caller   httpCaller

	mu  sync.Mutex
	uid int64
}

func newSessionClient(name string, cfg InstanceConfig) (*sessionClient, error) {
	base, err := parseOrigin(cfg.URL)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.DB) == "" {
		return nil, fmt.Errorf("missing db for instance %q", name)
	}
	if strings.TrimSpace(cfg.Username) == "" {
		return nil, fmt.Errorf("missing username for instance %q", name)
	}
	if strings.TrimSpace(cfg.Password) == "" {
		return nil, fmt.Errorf("missing password for instance %q", name)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &sessionClient{
		name:     name,
		baseURL:  base,
		db:       cfg.DB,
		username: cfg.Username,
		password: cfg.Password,
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

func (c *sessionClient) Legacy() bool { return true }

func (c *sessionClient) header() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("User-Agent", userAgent)
	return h
}

func (c *sessionClient) endpoint(path string) string {
	u := *c.baseURL
	u.Path = path
	return u.String()
}

// rpcCall posts one JSON-RPC envelope and unwraps the result. An error member
// in the envelope is an application failure: reported with status 400 and
// never retried.
func (c *sessionClient) rpcCall(ctx context.Context, service, method string, args any) (any, error) {
	body := map[string]any{
		"jsonrpc": "2.0",
		"method":  "call",
		"params": map[string]any{
			"service": service,
			"method":  method,
			"args":    args,
		},
		"id": 1,
	}

	respBs, err := c.caller.postJSON(ctx, c.endpoint("/jsonrpc"), c.header(), body)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
			Data    struct {
				Message string `json:"message"`
			} `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBs, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse JSON-RPC response: %w", err)
	}

	if envelope.Error != nil {
		message := envelope.Error.Data.Message
		if message == "" {
			message = envelope.Error.Message
		}
		if message == "" {
			message = "unknown JSON-RPC error"
		}
		return nil, &BackendError{Status: http.StatusBadRequest, Message: message}
	}

	if envelope.Result == nil {
		return nil, fmt.Errorf("JSON-RPC response missing result")
	}

	var v any
	if err := json.Unmarshal(envelope.Result, &v); err != nil {
		return nil, fmt.Errorf("failed to parse JSON-RPC result: %w", err)
	}
	return v, nil
}

// authenticate returns the cached uid, authenticating on first use. A zero
// uid from the backend means bad credentials and is terminal.
func (c *sessionClient) authenticate(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.uid != 0 {
		return c.uid, nil
	}

	v, err := c.rpcCall(ctx, "common", "authenticate",
		[]any{c.db, c.username, c.password, map[string]any{}})
	if err != nil {
		return 0, err
	}

	uid, ok := asInt64(v)
	if !ok {
		return 0, &BackendError{
			Status:  http.StatusUnauthorized,
			Message: fmt.Sprintf("authentication failed for user %q: check username/password", c.username),
		}
	}
	if uid == 0 {
		return 0, &BackendError{
			Status:  http.StatusUnauthorized,
			Message: fmt.Sprintf("authentication failed for user %q: invalid credentials", c.username),
		}
	}

	c.uid = uid
	return uid, nil
}

// executeKw calls object.execute_kw with the canonical seven-element
// argument list [db, uid, password, model, method, args, kwargs].
func (c *sessionClient) executeKw(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	uid, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	if kwargs == nil {
		kwargs = map[string]any{}
	}
	callArgs := []any{c.db, uid, c.password, model, method, args, kwargs}

	return c.rpcCall(ctx, "object", "execute_kw", callArgs)
}

func (c *sessionClient) Search(ctx context.Context, model string, domain any, opts SearchOptions) ([]int64, error) {
	if domain == nil {
		domain = []any{}
	}
	kwargs := map[string]any{}
	putSearchOptions(kwargs, opts)

	v, err := c.executeKw(ctx, model, "search", []any{domain}, kwargs)
	if err != nil {
		return nil, err
	}
	ids, ok := asInt64Slice(v)
	if !ok {
		return nil, fmt.Errorf("expected array of ids from search, got %T", v)
	}
	return ids, nil
}

func (c *sessionClient) SearchRead(ctx context.Context, model string, domain any, opts SearchOptions) (any, error) {
	if domain == nil {
		domain = []any{}
	}
	kwargs := map[string]any{}
	if len(opts.Fields) > 0 {
		kwargs["fields"] = opts.Fields
	}
	putSearchOptions(kwargs, opts)

	return c.executeKw(ctx, model, "search_read", []any{domain}, kwargs)
}

func (c *sessionClient) Read(ctx context.Context, model string, ids []int64, fields []string) (any, error) {
	kwargs := map[string]any{}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	return c.executeKw(ctx, model, "read", []any{ids}, kwargs)
}

func (c *sessionClient) Create(ctx context.Context, model string, values any) (int64, error) {
	v, err := c.executeKw(ctx, model, "create", []any{values}, nil)
	if err != nil {
		return 0, err
	}
	id, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("expected created id from create, got %T", v)
	}
	return id, nil
}

func (c *sessionClient) Write(ctx context.Context, model string, ids []int64, values any) (bool, error) {
	v, err := c.executeKw(ctx, model, "write", []any{ids, values}, nil)
	if err != nil {
		return false, err
	}
	ok, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("expected boolean from write, got %T", v)
	}
	return ok, nil
}

func (c *sessionClient) Unlink(ctx context.Context, model string, ids []int64) (bool, error) {
	v, err := c.executeKw(ctx, model, "unlink", []any{ids}, nil)
	if err != nil {
		return false, err
	}
	ok, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("expected boolean from unlink, got %T", v)
	}
	return ok, nil
}

func (c *sessionClient) SearchCount(ctx context.Context, model string, domain any) (int64, error) {
	if domain == nil {
		domain = []any{}
	}
	v, err := c.executeKw(ctx, model, "search_count", []any{domain}, nil)
	if err != nil {
		return 0, err
	}
	count, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("expected count from search_count, got %T", v)
	}
	return count, nil
}

func (c *sessionClient) FieldsGet(ctx context.Context, model string) (any, error) {
	return c.executeKw(ctx, model, "fields_get", []any{}, map[string]any{
		"attributes": []string{"string", "type", "help", "required", "readonly", "relation", "selection"},
	})
}

func (c *sessionClient) CallNamed(ctx context.Context, model, method string, ids []int64, params map[string]any) (any, error) {
	args := []any{}
	if ids != nil {
		args = []any{ids}
	}
	var kwargs map[string]any
	if len(params) > 0 {
		kwargs = params
	}
	return c.executeKw(ctx, model, method, args, kwargs)
}

// DownloadReportPDF uses the web report controller; a session cookie is
// established through /web/session/authenticate first.
func (c *sessionClient) DownloadReportPDF(ctx context.Context, reportName string, ids []int64) ([]byte, error) {
	if _, err := c.authenticate(ctx); err != nil {
		return nil, err
	}

	sessionBody := map[string]any{
		"jsonrpc": "2.0",
		"method":  "call",
		"params": map[string]any{
			"db":       c.db,
			"login":    c.username,
			"password": c.password,
		},
		"id": 1,
	}
	if _, err := c.caller.postJSON(ctx, c.endpoint("/web/session/authenticate"), c.header(), sessionBody); err != nil {
		return nil, fmt.Errorf("failed to establish report session: %w", err)
	}

	u := *c.baseURL
	u.Path = fmt.Sprintf("/report/pdf/%s/%s", reportName, joinIDs(ids))
	return c.caller.getRaw(ctx, u.String(), nil)
}

func (c *sessionClient) ReadGroup(ctx context.Context, model string, domain any, fields, groupBy []string, opts ReadGroupOptions) (any, error) {
	if domain == nil {
		domain = []any{}
	}
	kwargs := map[string]any{}
	if opts.Offset > 0 {
		kwargs["offset"] = opts.Offset
	}
	if opts.Limit > 0 {
		kwargs["limit"] = opts.Limit
	}
	if opts.OrderBy != "" {
		kwargs["orderby"] = opts.OrderBy
	}
	if opts.Lazy != nil {
		kwargs["lazy"] = *opts.Lazy
	}
	return c.executeKw(ctx, model, "read_group", []any{domain, fields, groupBy}, kwargs)
}

func (c *sessionClient) NameSearch(ctx context.Context, model, name string, args any, operator string, limit int64) (any, error) {
	if args == nil {
		args = []any{}
	}
	if operator == "" {
		operator = "ilike"
	}
	if limit <= 0 {
		limit = 100
	}
	return c.executeKw(ctx, model, "name_search", []any{name, args, operator, limit}, nil)
}

func (c *sessionClient) NameGet(ctx context.Context, model string, ids []int64) (any, error) {
	return c.executeKw(ctx, model, "name_get", []any{ids}, nil)
}

func (c *sessionClient) DefaultGet(ctx context.Context, model string, fieldsList []string) (any, error) {
	return c.executeKw(ctx, model, "default_get", []any{fieldsList}, nil)
}

func (c *sessionClient) Copy(ctx context.Context, model string, id int64, defaults map[string]any) (int64, error) {
	var kwargs map[string]any
	if defaults != nil {
		kwargs = map[string]any{"default": defaults}
	}
	v, err := c.executeKw(ctx, model, "copy", []any{id}, kwargs)
	if err != nil {
		return 0, err
	}
	newID, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("expected id from copy, got %T", v)
	}
	return newID, nil
}

func (c *sessionClient) Onchange(ctx context.Context, model string, ids []int64, values any, fieldName []string, fieldOnchange any) (any, error) {
	return c.executeKw(ctx, model, "onchange", []any{ids, values, fieldName, fieldOnchange}, nil)
}

func (c *sessionClient) HealthCheck(ctx context.Context) error {
	_, err := c.SearchCount(ctx, "ir.model", []any{})
	return err
}
