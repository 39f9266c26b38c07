package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	offlineengine "github.com/wolfeidau/offline-engine"
)

const (
	// DefaultTimeout is the default timeout for backend requests.
	DefaultTimeout = 30 * time.Second

	// IdempotencyKeyHeader carries the queue item's idempotency key.
	IdempotencyKeyHeader = "Idempotency-Key"

	// SourceHeader is set to "queue" for replays from the sync queue.
	SourceHeader = "X-Sync-Source"

	maxErrorBody = 512
)

// HTTPApplier replays mutations against a REST backend:
//
//	CREATE         POST   {base}/{table}
//	UPDATE, SAVE   PUT    {base}/{table}/{id}
//	DELETE         DELETE {base}/{table}/{id}
type HTTPApplier struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// HTTPOption configures an HTTPApplier.
type HTTPOption func(*HTTPApplier)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(a *HTTPApplier) {
		a.client = client
	}
}

// WithBearerToken sets the bearer token for backend authentication.
func WithBearerToken(token string) HTTPOption {
	return func(a *HTTPApplier) {
		a.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(a *HTTPApplier) {
		a.logger = logger
	}
}

// NewHTTPApplier creates an applier for the backend at baseURL.
func NewHTTPApplier(baseURL string, opts ...HTTPOption) *HTTPApplier {
	a := &HTTPApplier{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply sends m to the backend. A 409 for CREATE and a 404 for DELETE mean
// the change is already in place and count as success.
func (a *HTTPApplier) Apply(ctx context.Context, m Mutation) error {
	method, target, err := a.route(m)
	if err != nil {
		return err
	}
	op := fmt.Sprintf("%s %s", m.Operation, m.Table)

	var body io.Reader
	if method != http.MethodDelete && len(m.Payload) > 0 {
		body = bytes.NewReader(m.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if m.IdempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, m.IdempotencyKey)
	}
	if FromQueue(ctx) {
		req.Header.Set(SourceHeader, "queue")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return offlineengine.NewNetworkError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusConflict && m.Operation == offlineengine.OpCreate:
		a.logger.Debug("create already applied", "table", m.Table, "record_id", m.RecordID)
		return nil
	case resp.StatusCode == http.StatusNotFound && m.Operation == offlineengine.OpDelete:
		a.logger.Debug("delete target already gone", "table", m.Table, "record_id", m.RecordID)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	nerr := &offlineengine.NetworkError{Op: op, StatusCode: resp.StatusCode}
	if s := strings.TrimSpace(string(msg)); s != "" {
		nerr.Err = errors.New(s)
	}
	return nerr
}

func (a *HTTPApplier) route(m Mutation) (method, target string, err error) {
	if m.Table == "" {
		return "", "", fmt.Errorf("mutation has no table")
	}
	collection := a.baseURL + "/" + url.PathEscape(m.Table)
	item := collection + "/" + url.PathEscape(m.RecordID)

	switch m.Operation {
	case offlineengine.OpCreate:
		return http.MethodPost, collection, nil
	case offlineengine.OpUpdate, offlineengine.OpSave:
		if m.RecordID == "" {
			return http.MethodPost, collection, nil
		}
		return http.MethodPut, item, nil
	case offlineengine.OpDelete:
		if m.RecordID == "" {
			return "", "", fmt.Errorf("delete %s: record id required", m.Table)
		}
		return http.MethodDelete, item, nil
	default:
		return "", "", fmt.Errorf("unsupported operation %q", m.Operation)
	}
}
