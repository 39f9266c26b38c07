// Package engine is the entry point of the offline engine. It owns every
// subsystem, brings them up in dependency order and tears them down in
// reverse.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	offlineengine "github.com/wolfeidau/offline-engine"
	"github.com/wolfeidau/offline-engine/cache"
	"github.com/wolfeidau/offline-engine/config"
	"github.com/wolfeidau/offline-engine/events"
	"github.com/wolfeidau/offline-engine/intercept"
	"github.com/wolfeidau/offline-engine/network"
	"github.com/wolfeidau/offline-engine/remote"
	"github.com/wolfeidau/offline-engine/store"
	"github.com/wolfeidau/offline-engine/syncer"
	"github.com/wolfeidau/offline-engine/telemetry"
)

// ErrNotInitialized is returned by operations that need a running engine.
var ErrNotInitialized = errors.New("engine: not initialized")

// Status reports which subsystems are up.
type Status struct {
	Enabled            bool           `json:"enabled"`
	DatabaseReady      bool           `json:"database_ready"`
	CacheManagerActive bool           `json:"cache_manager_active"`
	RegistrationActive bool           `json:"registration_active"`
	SyncManagerActive  bool           `json:"sync_manager_active"`
	NetworkStatus      network.Status `json:"network_status"`
	LastSync           time.Time      `json:"last_sync,omitzero"`
}

// Statistics aggregates subsystem statistics.
type Statistics struct {
	Store   *store.Stats         `json:"store"`
	Cache   cache.Stats          `json:"cache"`
	Sync    syncer.Status        `json:"sync"`
	Errors  intercept.Statistics `json:"errors"`
	Network network.Status       `json:"network"`
}

// Engine wires the local store, cache layer, sync engine, network monitor
// and intent dispatcher together.
type Engine struct {
	logger   *slog.Logger
	bus      *events.Bus
	ownBus   bool
	applier  remote.Applier
	terminal intercept.Handler
	monitor  *network.Monitor
	reporter *intercept.Reporter
	fetcher  *cache.HTTPFetcher

	// mu serializes lifecycle operations and guards the fields below.
	mu         sync.Mutex
	cfg        config.Config
	status     Status
	store      *store.BoltStore
	cache      *cache.Manager
	syncer     *syncer.Engine
	reg        *registration
	dispatcher *intercept.Dispatcher
	cancel     context.CancelFunc
	unsubs     []func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithBus shares an event bus with the caller. The engine does not close a
// bus it was given.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithApplier sets the remote applier, overriding remote.base_url.
func WithApplier(a remote.Applier) Option {
	return func(e *Engine) {
		e.applier = a
	}
}

// WithTerminal sets the handler for intents that are neither queued nor
// rejected. The default confirms them.
func WithTerminal(h intercept.Handler) Option {
	return func(e *Engine) {
		e.terminal = h
	}
}

// New validates cfg and builds an engine. Call Initialize to start it.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		logger:   slog.Default(),
		cfg:      cfg,
		terminal: intercept.Confirm,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	if e.bus == nil {
		e.bus = events.NewBus(events.WithLogger(e.logger))
		e.ownBus = true
	}

	if e.applier == nil {
		if cfg.Remote.BaseURL == "" {
			return nil, errors.New("remote.base_url is required when no applier is supplied")
		}
		e.applier = remote.NewHTTPApplier(cfg.Remote.BaseURL,
			remote.WithBearerToken(cfg.Remote.Token),
			remote.WithHTTPClient(&http.Client{
				Transport: telemetry.NewInstrumentedTransport(nil, "remote"),
				Timeout:   cfg.Network.Timeout,
			}),
			remote.WithLogger(e.logger))
	}

	monitorOpts := []network.Option{
		network.WithBus(e.bus),
		network.WithLogger(e.logger),
		network.WithSignalFile(signalPath(cfg)),
	}
	if cfg.Network.ProbeURL != "" {
		monitorOpts = append(monitorOpts, network.WithProber(network.NewProber(
			cfg.Network.ProbeURL,
			cfg.Network.ProbeInterval,
			cfg.Network.Timeout,
			network.WithProbeLogger(e.logger))))
	}
	e.monitor = network.New(monitorOpts...)

	e.reporter = intercept.NewReporter(
		intercept.WithReporterBus(e.bus),
		intercept.WithReporterLogger(e.logger))
	e.fetcher = cache.NewHTTPFetcher(cfg.Network.Timeout, cache.WithFetcherLogger(e.logger))

	return e, nil
}

func signalPath(cfg config.Config) string {
	if cfg.Network.SignalFile != "" {
		return cfg.Network.SignalFile
	}
	return filepath.Join(filepath.Dir(cfg.Database.Path), "network-status.json")
}

func registrationDir(cfg config.Config) string {
	if cfg.Registration.Path != "" {
		return cfg.Registration.Path
	}
	return filepath.Join(filepath.Dir(cfg.Database.Path), "instances")
}

func syncConfig(cfg config.Config) syncer.Config {
	c := syncer.DefaultConfig()
	c.Interval = cfg.Sync.Interval
	c.RetryAttempts = cfg.Sync.RetryAttempts
	c.RetryDelay = cfg.Sync.RetryDelay
	c.MaxRetryDelay = cfg.Sync.MaxRetryDelay
	c.BatchSize = cfg.Sync.BatchSize
	c.Concurrency = cfg.Sync.Concurrency
	return c
}

func cacheConfig(cfg config.Config) cache.Config {
	c := cache.DefaultConfig()
	c.Namespace = cfg.Cache.Namespace
	c.Strategy = cache.Strategy(cfg.Cache.Strategy)
	c.MaxAge = cfg.Cache.MaxAge
	c.MaxSize = cfg.Cache.MaxSize
	c.SweepInterval = cfg.Cache.SweepInterval
	return c
}

func policy(cfg config.Config) intercept.Policy {
	queueable := cfg.Intents.Queueable
	if len(queueable) == 0 {
		queueable = intercept.DefaultQueueable
	}
	onlineOnly := cfg.Intents.OnlineOnly
	if len(onlineOnly) == 0 {
		onlineOnly = intercept.DefaultOnlineOnly
	}
	return intercept.NewPolicy(queueable, onlineOnly)
}

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Network returns the connectivity monitor.
func (e *Engine) Network() *network.Monitor {
	return e.monitor
}

// Reporter returns the error reporter.
func (e *Engine) Reporter() *intercept.Reporter {
	return e.reporter
}

// Store returns the local store, or nil before Initialize.
func (e *Engine) Store() *store.BoltStore {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store
}

// Config returns the active configuration.
func (e *Engine) Config() config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Initialize brings the engine up: local store, cache layer, instance
// registration, sync engine and finally the connectivity listeners. A store
// or cache failure aborts and rolls back; a registration or monitor failure
// is logged and the engine runs without it. Initializing a running engine
// is a no-op.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Enabled {
		return nil
	}

	start := time.Now()
	cfg := e.cfg
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	st := store.New(
		store.WithLogger(e.logger),
		store.WithNoSync(cfg.Database.NoSync))
	if err := st.Open(cfg.Database.Path); err != nil {
		cancel()
		return fmt.Errorf("initializing local store: %w", err)
	}
	e.store = st
	e.status.DatabaseReady = true

	cm := cache.New(st, cacheConfig(cfg),
		cache.WithLogger(e.logger),
		cache.WithBus(e.bus))
	if err := cm.Start(runCtx); err != nil {
		cancel()
		e.rollback()
		return fmt.Errorf("initializing cache layer: %w", err)
	}
	e.cache = cm
	e.status.CacheManagerActive = true

	if cfg.Registration.Enabled {
		reg, err := register(registrationDir(cfg), e.monitor.Instance(), cfg.Database.Path, time.Now())
		if err != nil {
			e.logger.Warn("instance registration failed, continuing without it", "error", err)
		} else {
			e.reg = reg
			e.status.RegistrationActive = true
		}
	}

	se := syncer.New(st, e.applier, syncConfig(cfg),
		syncer.WithLogger(e.logger),
		syncer.WithBus(e.bus),
		syncer.WithConnectivity(e.monitor))
	se.Start(runCtx)
	e.syncer = se
	e.status.SyncManagerActive = true

	e.unsubs = append(e.unsubs, e.bus.On(events.ConnectivityChanged, func(ev events.Event) {
		if ev.Online {
			e.logger.Info("connection restored")
		} else {
			e.logger.Warn("connection lost, mutations will be queued")
		}
	}))
	if err := e.monitor.Start(runCtx); err != nil {
		e.logger.Warn("network monitor failed to start, peer and probe updates disabled", "error", err)
	}

	e.dispatcher = e.newDispatcher(cfg)
	e.cancel = cancel
	e.status.Enabled = true

	e.logger.Info("offline engine initialized",
		"database", cfg.Database.Path,
		"strategy", cfg.Cache.Strategy,
		"registration", e.status.RegistrationActive,
		"online", e.monitor.Online(),
		"duration", time.Since(start))
	e.bus.Publish(events.Event{Kind: events.EngineInitialized})
	return nil
}

func (e *Engine) newDispatcher(cfg config.Config) *intercept.Dispatcher {
	p := policy(cfg)
	return intercept.NewDispatcher(e.terminal,
		intercept.Errors(e.reporter),
		intercept.Offline(p, e.monitor),
		intercept.Sync(p, e.store, e.syncer, e.monitor, e.logger))
}

// rollback closes the store after a failed Initialize. Callers hold mu.
func (e *Engine) rollback() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Error("closing store during rollback", "error", err)
		}
	}
	e.store = nil
	e.status = Status{}
}

// Disable tears the engine down in reverse initialization order. Every step
// runs even when an earlier one fails; the errors are joined. An in-flight
// drain finishes its current batch first.
func (e *Engine) Disable(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.Enabled {
		return nil
	}

	var errs []error

	e.monitor.Stop()
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil

	if e.syncer != nil {
		e.syncer.Stop()
		e.syncer = nil
	}
	e.status.SyncManagerActive = false

	if e.reg != nil {
		if err := e.reg.unregister(); err != nil {
			errs = append(errs, err)
		}
		e.reg = nil
	}
	e.status.RegistrationActive = false

	if e.cache != nil {
		e.cache.Stop()
		e.cache = nil
	}
	e.status.CacheManagerActive = false

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing local store: %w", err))
		}
		e.store = nil
	}
	e.status.DatabaseReady = false

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.dispatcher = nil
	e.status.Enabled = false

	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error("offline engine disabled with errors", "error", err)
	} else {
		e.logger.Info("offline engine disabled")
	}
	e.bus.Publish(events.Event{Kind: events.EngineDisabled, Err: err})
	return err
}

// Close disables the engine and shuts down a bus the engine created.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Disable(ctx)
	if e.ownBus {
		e.bus.Close()
	}
	return err
}

// Status returns a snapshot of subsystem state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := e.status
	se := e.syncer
	e.mu.Unlock()

	s.NetworkStatus = e.monitor.Status()
	if se != nil {
		s.LastSync = se.LastSync()
	}
	return s
}

// running returns the subsystems of an initialized engine.
func (e *Engine) running() (*store.BoltStore, *cache.Manager, *syncer.Engine, *intercept.Dispatcher, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.Enabled {
		return nil, nil, nil, nil, ErrNotInitialized
	}
	return e.store, e.cache, e.syncer, e.dispatcher, nil
}

// ForceSync drains the queue now. It fails with an OfflineError while
// offline.
func (e *Engine) ForceSync(ctx context.Context) (syncer.Result, error) {
	_, _, se, _, err := e.running()
	if err != nil {
		return syncer.Result{}, err
	}
	res, err := se.ForceDrain(ctx)
	if err != nil {
		e.reporter.Report(ctx, "force_sync", err)
	}
	return res, err
}

// ClearOfflineData removes cached responses, pending and failed queue items
// and local records.
func (e *Engine) ClearOfflineData(ctx context.Context) error {
	st, cm, _, _, err := e.running()
	if err != nil {
		return err
	}

	cleared, err := cm.Clear(ctx)
	if err != nil {
		return err
	}
	if err := st.Clear(ctx); err != nil {
		return offlineengine.NewStorageError("clear offline data", err)
	}

	e.logger.Info("offline data cleared", "cache_entries", cleared)
	e.bus.Publish(events.Event{Kind: events.OfflineDataCleared})
	return nil
}

// Statistics aggregates subsystem statistics.
func (e *Engine) Statistics(ctx context.Context) (Statistics, error) {
	st, cm, se, _, err := e.running()
	if err != nil {
		return Statistics{}, err
	}

	storeStats, err := st.Stats(ctx)
	if err != nil {
		return Statistics{}, offlineengine.NewStorageError("store statistics", err)
	}
	cacheStats, err := cm.Stats(ctx)
	if err != nil {
		return Statistics{}, err
	}

	return Statistics{
		Store:   storeStats,
		Cache:   cacheStats,
		Sync:    se.Status(),
		Errors:  e.reporter.Statistics(),
		Network: e.monitor.Status(),
	}, nil
}

// UpdateConfig applies cfg to a running engine. Sync, cache and intent
// settings take effect immediately; the database path and remote settings
// require Disable and Initialize.
func (e *Engine) UpdateConfig(_ context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.Enabled {
		if cfg.Database != e.cfg.Database {
			return errors.New("database settings cannot change while the engine is running")
		}
		if cfg.Remote != e.cfg.Remote {
			return errors.New("remote settings cannot change while the engine is running")
		}
		e.syncer.SetConfig(syncConfig(cfg))
		e.cache.SetConfig(cacheConfig(cfg))
		e.dispatcher = e.newDispatcher(cfg)
	}
	e.cfg = cfg

	e.logger.Info("configuration updated",
		"sync_interval", cfg.Sync.Interval,
		"strategy", cfg.Cache.Strategy)
	return nil
}

// Dispatch routes an intent through the interception chain.
func (e *Engine) Dispatch(ctx context.Context, in intercept.Intent) (intercept.Result, error) {
	_, _, _, d, err := e.running()
	if err != nil {
		return intercept.Result{Type: in.Type, Status: intercept.StatusRejected}, err
	}
	return d.Dispatch(ctx, in)
}

// Fetch reads url through the cache layer with the configured strategy.
func (e *Engine) Fetch(ctx context.Context, url string) (*cache.Response, error) {
	_, cm, _, _, err := e.running()
	if err != nil {
		return nil, err
	}
	resp, err := cm.Fetch(ctx, url, e.fetcher.Get(url, nil))
	if err != nil {
		e.reporter.Report(ctx, "fetch", err)
	}
	return resp, err
}
