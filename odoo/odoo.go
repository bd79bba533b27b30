// Package odoo implements the backend client for Odoo instances. Two wire
// dialects are supported: the JSON-2 API with bearer-token auth (Odoo 19+)
// and the legacy /jsonrpc endpoint with username/password auth (Odoo < 19).
// NewClient selects the dialect from the instance configuration.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SearchOptions carries the optional knobs shared by the search-family
// operations. Zero values mean "not sent".
type SearchOptions struct {
	Fields  []string
	Limit   int64
	Offset  int64
	Order   string
	Context map[string]any
}

// ReadGroupOptions carries the optional knobs for ReadGroup.
type ReadGroupOptions struct {
	Limit   int64
	Offset  int64
	OrderBy string
	Lazy    *bool
	Context map[string]any
}

// Client is the operation surface shared by both wire dialects. Results that
// have no fixed shape are returned as decoded JSON values.
type Client interface {
	Search(ctx context.Context, model string, domain any, opts SearchOptions) ([]int64, error)
	SearchRead(ctx context.Context, model string, domain any, opts SearchOptions) (any, error)
	Read(ctx context.Context, model string, ids []int64, fields []string) (any, error)
	Create(ctx context.Context, model string, values any) (int64, error)
	Write(ctx context.Context, model string, ids []int64, values any) (bool, error)
	Unlink(ctx context.Context, model string, ids []int64) (bool, error)
	SearchCount(ctx context.Context, model string, domain any) (int64, error)
	FieldsGet(ctx context.Context, model string) (any, error)
	CallNamed(ctx context.Context, model, method string, ids []int64, params map[string]any) (any, error)
	DownloadReportPDF(ctx context.Context, reportName string, ids []int64) ([]byte, error)
	ReadGroup(ctx context.Context, model string, domain any, fields, groupBy []string, opts ReadGroupOptions) (any, error)
	NameSearch(ctx context.Context, model, name string, args any, operator string, limit int64) (any, error)
	NameGet(ctx context.Context, model string, ids []int64) (any, error)
	DefaultGet(ctx context.Context, model string, fieldsList []string) (any, error)
	Copy(ctx context.Context, model string, id int64, defaults map[string]any) (int64, error)
	Onchange(ctx context.Context, model string, ids []int64, values any, fieldName []string, fieldOnchange any) (any, error)

	// HealthCheck performs a minimal backend round trip: search_count on
	// ir.model with an empty domain.
	HealthCheck(ctx context.Context) error

	// Legacy reports whether the client speaks the pre-19 JSON-RPC dialect.
	Legacy() bool
}

// BackendError describes a failed backend exchange. Status 0 means the
// request never completed (transport failure); otherwise it is the HTTP
// status the backend answered with.
type BackendError struct {
	Status  int
	Message string
	Body    string
}

func (e *BackendError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("odoo request failed: %s", e.Message)
	}
	return fmt.Sprintf("odoo returned status %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure class is worth another attempt:
// transport failures, 5xx, and 429. Other 4xx are terminal.
func (e *BackendError) Retryable() bool {
	return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// NewClient constructs the dialect-appropriate client for the instance
// configuration. The instance name only labels logs and errors.
func NewClient(name string, cfg InstanceConfig) (Client, error) {
	switch cfg.AuthMode() {
	case AuthPassword:
		return newSessionClient(name, cfg)
	default:
		return newTokenClient(name, cfg)
	}
}

const (
	userAgent          = "odoo-mcp-go/0.1"
	defaultTimeoutMS   = 30_000
	defaultMaxRetries  = 3
	backoffBaseBackoff = 250 * time.Millisecond
)

// httpCaller performs JSON POSTs and raw GETs with the shared retry policy:
// up to maxRetries extra attempts on retryable failures, exponential backoff
// starting at 250ms.
type httpCaller struct {
	http       *http.Client
	maxRetries int
	logger     *slog.Logger
}

func (c httpCaller) postJSON(ctx context.Context, url string, header http.Header, body any) ([]byte, error) {
	bodyBs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBs))
		if err != nil {
			return nil, err
		}
		copyHeader(req.Header, header)
		return req, nil
	})
}

func (c httpCaller) getRaw(ctx context.Context, url string, header http.Header) ([]byte, error) {
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		copyHeader(req.Header, header)
		return req, nil
	})
}

func (c httpCaller) do(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr *BackendError

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffBaseBackoff * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			c.logger.Debug("retrying backend request", slog.Int("attempt", attempt))
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &BackendError{Message: err.Error()}
			continue
		}

		respBs, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = &BackendError{Message: fmt.Sprintf("failed to read response body: %s", err)}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBs, nil
		}

		bErr := &BackendError{
			Status:  resp.StatusCode,
			Message: extractErrorMessage(respBs),
			Body:    string(respBs),
		}
		if !bErr.Retryable() {
			return nil, bErr
		}
		lastErr = bErr
	}

	if lastErr == nil {
		lastErr = &BackendError{Message: "request failed without error details"}
	}
	return nil, lastErr
}

// extractErrorMessage pulls the human message out of an error body, falling
// back to the raw text when the body is not the expected JSON shape.
func extractErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	return string(body)
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Set(k, v)
		}
	}
}

// asInt64 normalizes the number representations the backend uses for ids and
// counts.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func asInt64Slice(v any) ([]int64, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	ids := make([]int64, 0, len(arr))
	for _, item := range arr {
		id, ok := asInt64(item)
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}
