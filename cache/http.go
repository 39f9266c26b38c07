package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	offlineengine "github.com/wolfeidau/offline-engine"
	"github.com/wolfeidau/offline-engine/store"
	"github.com/wolfeidau/offline-engine/telemetry"
)

// HTTPFetcher builds Fetchers that GET a URL.
type HTTPFetcher struct {
	client *http.Client
	logger *slog.Logger
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient sets the HTTP client. Its transport is used as is.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		f.client = c
	}
}

// WithFetcherLogger sets the logger.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *HTTPFetcher) {
		f.logger = logger
	}
}

// NewHTTPFetcher creates a fetcher whose default client records remote
// fetch metrics and times out after timeout.
func NewHTTPFetcher(timeout time.Duration, opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "cache"),
			Timeout:   timeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get returns a Fetcher for url. Any status is returned as a Response; only
// transport failures are errors.
func (f *HTTPFetcher) Get(url string, header http.Header) Fetcher {
	return func(ctx context.Context) (*Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, offlineengine.NewNetworkError("GET "+url, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, store.MaxPayloadSize+1))
		if err != nil {
			return nil, offlineengine.NewNetworkError("GET "+url, err)
		}
		if len(body) > store.MaxPayloadSize {
			return nil, offlineengine.NewNetworkError("GET "+url, errors.New("response too large"))
		}

		f.logger.Debug("fetched", "url", url, "status", resp.StatusCode, "bytes", len(body))
		return &Response{
			Status:    resp.StatusCode,
			Header:    resp.Header.Clone(),
			Body:      body,
			FetchedAt: time.Now(),
		}, nil
	}
}
