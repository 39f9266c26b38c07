// Package cache serves remote reads through the local store using one of
// three strategies: cache-first, network-first or stale-while-revalidate.
//
// Concurrent fetches for the same key are collapsed into one remote call.
// The shared fetch runs on a context detached from any single caller, so a
// caller giving up does not cancel the fetch for the others, and a background
// revalidation still stores its result after the caller has returned.
//
// The cache never fails a read because the local store failed: store errors
// are logged and the strategy behaves as if nothing was cached.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	offlineengine "github.com/wolfeidau/offline-engine"
	"github.com/wolfeidau/offline-engine/events"
	"github.com/wolfeidau/offline-engine/store"
	"github.com/wolfeidau/offline-engine/telemetry"
	"golang.org/x/sync/singleflight"
)

// Strategy selects how a read combines the cache and the network.
type Strategy string

const (
	// CacheFirst serves a live entry and only fetches on a miss.
	CacheFirst Strategy = "cacheFirst"
	// NetworkFirst fetches and falls back to a live entry on failure.
	NetworkFirst Strategy = "networkFirst"
	// StaleWhileRevalidate serves a live entry while refreshing it in the
	// background.
	StaleWhileRevalidate Strategy = "staleWhileRevalidate"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate:
		return st, nil
	default:
		return "", fmt.Errorf("unknown cache strategy %q", s)
	}
}

// Response is a cached remote response. Responses returned by the Manager
// may be shared between callers and must not be modified.
type Response struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// OK reports whether the response has a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Fetcher retrieves a fresh response from the remote.
type Fetcher func(ctx context.Context) (*Response, error)

// Config controls the cache layer.
type Config struct {
	// Namespace partitions entries in the store. Entries written under a
	// different namespace are purged on Start.
	Namespace string
	// Strategy is used by Fetch.
	Strategy Strategy
	// MaxAge is the default time-to-live of stored responses.
	MaxAge time.Duration
	// MaxSize bounds the total size of cached payloads in bytes. Zero
	// disables size eviction.
	MaxSize int64
	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration
	// SweepBatch is the number of expired entries removed per transaction.
	SweepBatch int
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:     "offline-cache-v1",
		Strategy:      NetworkFirst,
		MaxAge:        24 * time.Hour,
		MaxSize:       100 * 1024 * 1024, // 100MB
		SweepInterval: 5 * time.Minute,
		SweepBatch:    100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Namespace == "" {
		c.Namespace = d.Namespace
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = d.SweepBatch
	}
	return c
}

// Stats reports cache contents and lookup counters since creation.
type Stats struct {
	Entries       int   `json:"entries"`
	Bytes         int64 `json:"bytes"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	StaleServed   int64 `json:"stale_served"`
	StoreErrors   int64 `json:"store_errors"`
	Revalidations int64 `json:"revalidations"`
}

// Manager is the cache layer.
type Manager struct {
	store  store.CacheStore
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	cfgMu sync.RWMutex
	cfg   Config

	hits          atomic.Int64
	misses        atomic.Int64
	stale         atomic.Int64
	storeErrors   atomic.Int64
	revalidations atomic.Int64

	mu      sync.Mutex
	sweeper *Sweeper
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithBus publishes CacheUpdated events on bus.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// New creates a cache manager over s.
func New(s store.CacheStore, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		logger: slog.Default(),
		now:    time.Now,
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "cache")
	return m
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// SetConfig replaces the configuration. A running sweeper picks up the new
// size limit on its next cycle.
func (m *Manager) SetConfig(cfg Config) {
	m.cfgMu.Lock()
	m.cfg = cfg.withDefaults()
	m.cfgMu.Unlock()
}

// Get returns the live response stored under key.
func (m *Manager) Get(ctx context.Context, key string) (*Response, bool, error) {
	entry, err := m.store.GetCache(ctx, m.Config().Namespace, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp Response
	if err := json.Unmarshal(entry.Payload, &resp); err != nil {
		return nil, false, offlineengine.NewStorageError("decode cached response", err)
	}
	return &resp, true, nil
}

// Put stores resp under key. A zero ttl uses the configured MaxAge and a
// negative ttl stores the response without expiry.
func (m *Manager) Put(ctx context.Context, key string, resp *Response, ttl time.Duration) error {
	if resp == nil {
		return fmt.Errorf("put %q: nil response", key)
	}
	cfg := m.Config()
	switch {
	case ttl == 0:
		ttl = cfg.MaxAge
	case ttl < 0:
		ttl = 0
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if err := m.store.PutCache(ctx, cfg.Namespace, key, data, ttl); err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{Kind: events.CacheUpdated, Key: key})
	}
	return nil
}

// Invalidate removes the entry stored under key.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	return m.store.DeleteCache(ctx, m.Config().Namespace, key)
}

// Fetch reads key using the configured strategy.
func (m *Manager) Fetch(ctx context.Context, key string, fetch Fetcher) (*Response, error) {
	return m.FetchWith(ctx, m.Config().Strategy, key, fetch)
}

// FetchWith reads key using strategy. An unknown strategy behaves as
// NetworkFirst. Fetch failures are returned as a NetworkError.
func (m *Manager) FetchWith(ctx context.Context, strategy Strategy, key string, fetch Fetcher) (*Response, error) {
	switch strategy {
	case CacheFirst:
		return m.cacheFirst(ctx, key, fetch)
	case StaleWhileRevalidate:
		return m.staleWhileRevalidate(ctx, key, fetch)
	default:
		return m.networkFirst(ctx, key, fetch)
	}
}

func (m *Manager) cacheFirst(ctx context.Context, key string, fetch Fetcher) (*Response, error) {
	if resp, ok := m.lookup(ctx, key); ok {
		m.record(ctx, CacheFirst, telemetry.CacheHit)
		return resp, nil
	}

	resp, err := m.await(ctx, m.revalidate(ctx, key, fetch))
	if err != nil {
		m.record(ctx, CacheFirst, telemetry.CacheError)
		return nil, err
	}
	m.record(ctx, CacheFirst, telemetry.CacheMiss)
	return resp, nil
}

func (m *Manager) networkFirst(ctx context.Context, key string, fetch Fetcher) (*Response, error) {
	resp, err := m.await(ctx, m.revalidate(ctx, key, fetch))
	if err == nil && resp.OK() {
		m.record(ctx, NetworkFirst, telemetry.CacheMiss)
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if cached, ok := m.lookup(ctx, key); ok {
		m.stale.Add(1)
		m.record(ctx, NetworkFirst, telemetry.CacheStale)
		m.logger.Debug("network failed, serving from cache", "key", key, "error", err)
		return cached, nil
	}

	m.record(ctx, NetworkFirst, telemetry.CacheError)
	if err != nil {
		return nil, err
	}
	return nil, &offlineengine.NetworkError{Op: "fetch " + key, StatusCode: resp.Status}
}

func (m *Manager) staleWhileRevalidate(ctx context.Context, key string, fetch Fetcher) (*Response, error) {
	ch := m.revalidate(ctx, key, fetch)

	if cached, ok := m.lookup(ctx, key); ok {
		m.record(ctx, StaleWhileRevalidate, telemetry.CacheHit)
		return cached, nil
	}

	resp, err := m.await(ctx, ch)
	if err != nil {
		m.record(ctx, StaleWhileRevalidate, telemetry.CacheError)
		return nil, err
	}
	m.record(ctx, StaleWhileRevalidate, telemetry.CacheMiss)
	return resp, nil
}

// lookup is Get with store failures logged and reported as a miss.
func (m *Manager) lookup(ctx context.Context, key string) (*Response, bool) {
	resp, ok, err := m.Get(ctx, key)
	if err != nil {
		m.storeErrors.Add(1)
		m.logger.Warn("cache lookup failed, continuing without cache", "key", key, "error", err)
		return nil, false
	}
	if ok {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
	return resp, ok
}

// revalidate starts, or joins, the shared fetch for key. Successful 2xx
// responses are stored before the result is delivered.
func (m *Manager) revalidate(ctx context.Context, key string, fetch Fetcher) <-chan singleflight.Result {
	detached := telemetry.WithTarget(context.WithoutCancel(ctx), "cache")
	return m.group.DoChan(key, func() (any, error) {
		m.revalidations.Add(1)

		resp, err := fetch(detached)
		if err != nil {
			var ne *offlineengine.NetworkError
			if !errors.As(err, &ne) {
				err = offlineengine.NewNetworkError("fetch "+key, err)
			}
			m.logger.Debug("fetch failed", "key", key, "error", err)
			return nil, err
		}
		if resp == nil {
			return nil, offlineengine.NewNetworkError("fetch "+key, errors.New("empty response"))
		}
		if resp.FetchedAt.IsZero() {
			resp.FetchedAt = m.now()
		}

		if resp.OK() {
			if err := m.Put(detached, key, resp, 0); err != nil {
				m.storeErrors.Add(1)
				m.logger.Warn("failed to store response", "key", key, "error", err)
			}
		}
		return resp, nil
	})
}

// await waits for a shared fetch, or for ctx to end. The fetch keeps running
// for other waiters when ctx ends first.
func (m *Manager) await(ctx context.Context, ch <-chan singleflight.Result) (*Response, error) {
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) record(ctx context.Context, strategy Strategy, result telemetry.CacheResult) {
	telemetry.RecordCacheLookup(ctx, string(strategy), result)
}

// Clear removes every cache entry in every namespace and returns how many
// were removed.
func (m *Manager) Clear(ctx context.Context) (int, error) {
	refs, err := m.store.OldestCache(ctx, 0)
	if err != nil {
		return 0, err
	}
	if err := m.store.DeleteCacheEntries(ctx, refs); err != nil {
		return 0, err
	}
	telemetry.UpdateCacheSize(ctx, 0, 0)
	m.logger.Info("cache cleared", "entries", len(refs))
	return len(refs), nil
}

// Stats returns cache contents and lookup counters.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	entries, size, err := m.store.CacheSize(ctx)
	if err != nil {
		return Stats{}, err
	}
	telemetry.UpdateCacheSize(ctx, entries, size)
	return Stats{
		Entries:       entries,
		Bytes:         size,
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		StaleServed:   m.stale.Load(),
		StoreErrors:   m.storeErrors.Load(),
		Revalidations: m.revalidations.Load(),
	}, nil
}

// Start purges entries left by other namespaces and starts the background
// sweeper. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweeper != nil {
		return nil
	}

	if n, err := m.purgeOtherNamespaces(ctx); err != nil {
		m.logger.Warn("failed to purge old cache namespaces", "error", err)
	} else if n > 0 {
		m.logger.Info("purged old cache namespaces", "entries", n)
	}

	cfg := m.Config()
	m.sweeper = NewSweeper(m.store,
		WithSweepInterval(cfg.SweepInterval),
		WithSweepBatchSize(cfg.SweepBatch),
		WithMaxSize(func() int64 { return m.Config().MaxSize }),
		WithSweeperNow(m.now),
		WithSweeperLogger(m.logger))

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	go func(s *Sweeper, done chan struct{}) {
		defer close(done)
		s.Run(runCtx)
	}(m.sweeper, m.doneCh)

	return nil
}

// Stop stops the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweeper == nil {
		return
	}
	m.cancel()
	<-m.doneCh
	m.sweeper = nil
	m.cancel = nil
	m.doneCh = nil
}

// Active reports whether the sweeper is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeper != nil
}

// Sweep runs one sweep cycle immediately.
func (m *Manager) Sweep(ctx context.Context) *SweepResult {
	cfg := m.Config()
	s := NewSweeper(m.store,
		WithSweepBatchSize(cfg.SweepBatch),
		WithMaxSize(func() int64 { return cfg.MaxSize }),
		WithSweeperNow(m.now),
		WithSweeperLogger(m.logger))
	return s.SweepNow(ctx)
}

func (m *Manager) purgeOtherNamespaces(ctx context.Context) (int, error) {
	refs, err := m.store.OldestCache(ctx, 0)
	if err != nil {
		return 0, err
	}
	ns := m.Config().Namespace
	var stale []store.CacheRef
	for _, ref := range refs {
		if ref.Namespace != ns {
			stale = append(stale, ref)
		}
	}
	if err := m.store.DeleteCacheEntries(ctx, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}
