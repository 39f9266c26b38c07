package network

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/offline-engine/telemetry"
)

// Prober checks reachability of the remote with periodic HEAD requests.
// Any HTTP response counts as reachable; only transport failures count as
// offline.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeClient sets the HTTP client used for probes.
func WithProbeClient(c *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = c
	}
}

// WithProbeLogger sets the logger.
func WithProbeLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// NewProber creates a prober for url. Each probe times out after timeout.
func NewProber(url string, interval, timeout time.Duration, opts ...ProberOption) *Prober {
	p := &Prober{
		url:      url,
		interval: interval,
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "probe"),
			Timeout:   timeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe performs one reachability check.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("invalid probe url", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.url, "error", err)
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Run probes immediately and then on every interval, reporting each result
// to report. It blocks until ctx is cancelled.
func (p *Prober) Run(ctx context.Context, report func(online bool)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		online := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		report(online)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
