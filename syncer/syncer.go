// Package syncer drains the durable sync queue against the remote backend.
//
// Items leave the queue in priority order (DELETE, CREATE, UPDATE, SAVE, then
// everything else), oldest first within a priority. Each item is retried up to
// a fixed number of attempts and then parked in failed storage. At most one
// drain runs at a time.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	offlineengine "github.com/wolfeidau/offline-engine"
	"github.com/wolfeidau/offline-engine/events"
	"github.com/wolfeidau/offline-engine/remote"
	"github.com/wolfeidau/offline-engine/store"
	"github.com/wolfeidau/offline-engine/telemetry"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by Drain and ForceDrain after Stop.
var ErrStopped = errors.New("sync engine stopped")

// Queue is the subset of the local store the sync engine needs.
type Queue interface {
	Enqueue(ctx context.Context, item *store.QueueItem) (uint64, error)
	DueItems(ctx context.Context, limit int) ([]store.QueueItem, error)
	CompleteItem(ctx context.Context, id uint64) error
	RecordFailure(ctx context.Context, id uint64, cause error, maxAttempts int) (int, bool, error)
	QueueLength(ctx context.Context) (int, error)
	FailedItems(ctx context.Context) ([]store.FailedItem, error)
}

// Connectivity reports whether the remote backend is believed reachable.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Config controls drain scheduling and retries.
type Config struct {
	// Interval between periodic drains.
	Interval time.Duration
	// RetryAttempts is how many times an item is tried before it is parked.
	RetryAttempts int
	// RetryDelay is the first backoff delay after a drain fails as a whole.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff delay.
	MaxRetryDelay time.Duration
	// BatchSize is the number of items processed per batch.
	BatchSize int
	// Concurrency bounds parallel applies within a batch. 1 applies items
	// strictly in queue order.
	Concurrency int
	// Debounce coalesces RequestSoon calls.
	Debounce time.Duration
}

// DefaultConfig returns the default sync configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Second,
		MaxRetryDelay: 5 * time.Minute,
		BatchSize:     10,
		Concurrency:   1,
		Debounce:      100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = max(d.MaxRetryDelay, c.RetryDelay)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	return c
}

// Result summarises one drain.
type Result struct {
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Moved     int           `json:"moved"`
	Remaining int           `json:"remaining"`
	Skipped   bool          `json:"skipped,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Status is a snapshot of the sync engine state.
type Status struct {
	Running             bool      `json:"running"`
	Draining            bool      `json:"draining"`
	LastSync            time.Time `json:"last_sync,omitzero"`
	LastResult          Result    `json:"last_result"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextRetryAt         time.Time `json:"next_retry_at,omitzero"`
}

// Engine drains the sync queue.
type Engine struct {
	queue   Queue
	applier remote.Applier
	network Connectivity
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	draining atomic.Bool
	again    atomic.Bool
	retry    *retryPolicy

	// lifeMu guards stopped and every inflight.Add so Stop can wait for
	// caller driven drains as well as scheduled ones.
	lifeMu   sync.Mutex
	stopped  bool
	inflight sync.WaitGroup

	mu         sync.Mutex
	lastSync   time.Time
	lastResult Result
	lastError  string

	sched *scheduler
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithBus publishes sync events on bus and subscribes to connectivity events.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithConnectivity sets the connectivity source. Without one the engine
// assumes it is always online.
func WithConnectivity(c Connectivity) Option {
	return func(e *Engine) {
		e.network = c
	}
}

// New creates a sync engine.
func New(queue Queue, applier remote.Applier, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		queue:   queue,
		applier: applier,
		network: alwaysOnline{},
		logger:  slog.Default(),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "syncer")
	e.retry = newRetryPolicy(e.cfg.RetryDelay, e.cfg.MaxRetryDelay)
	e.sched = newScheduler(e)
	return e
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetConfig replaces the configuration. The periodic timer is re-armed with
// the new interval and the backoff streak is reset.
func (e *Engine) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.retry.configure(cfg.RetryDelay, cfg.MaxRetryDelay)
	e.sched.reconfigure()
}

// Enqueue records a mutation for later delivery. It fails only when the
// local store does.
func (e *Engine) Enqueue(ctx context.Context, table string, op offlineengine.Operation, recordID string, payload json.RawMessage) (uint64, error) {
	if table == "" {
		return 0, fmt.Errorf("enqueue: table is required")
	}
	if op == "" {
		return 0, fmt.Errorf("enqueue: operation is required")
	}
	item := &store.QueueItem{
		Table:     table,
		Operation: op,
		RecordID:  recordID,
		Payload:   payload,
		CreatedAt: e.now(),
	}
	return e.queue.Enqueue(ctx, item)
}

// Drain processes the queue once. It returns an OfflineError when offline and
// a skipped result when another drain is already running. Individual item
// failures are recorded on the items and never returned.
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	return e.drain(ctx, "manual")
}

// ForceDrain is Drain for user-initiated syncs; it fails fast with an
// OfflineError when offline.
func (e *Engine) ForceDrain(ctx context.Context) (Result, error) {
	return e.drain(ctx, "force")
}

func (e *Engine) drain(ctx context.Context, trigger string) (Result, error) {
	if !e.enter() {
		telemetry.RecordDrain(ctx, trigger, "stopped", 0)
		return Result{}, ErrStopped
	}
	defer e.inflight.Done()

	if !e.network.Online() {
		telemetry.RecordDrain(ctx, trigger, "offline", 0)
		return Result{}, &offlineengine.OfflineError{Action: "sync"}
	}

	if !e.draining.CompareAndSwap(false, true) {
		e.again.Store(true)
		telemetry.RecordDrain(ctx, trigger, "skipped", 0)
		e.logger.Debug("drain already in progress", "trigger", trigger)
		return Result{Skipped: true}, nil
	}
	defer e.draining.Store(false)

	start := e.now()
	e.publish(events.Event{Kind: events.SyncStarted})
	e.logger.Debug("drain started", "trigger", trigger)

	res, err := e.drainQueue(ctx)
	res.Duration = e.now().Sub(start)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case res.Failed > 0:
		outcome = "partial"
	}
	telemetry.RecordDrain(ctx, trigger, outcome, res.Duration)
	telemetry.RecordSyncItems(ctx, "synced", res.Synced)
	telemetry.RecordSyncItems(ctx, "failed", res.Failed)
	telemetry.RecordSyncItems(ctx, "moved", res.Moved)
	e.updateQueueDepth(ctx)

	e.mu.Lock()
	e.lastResult = res
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
		e.lastSync = e.now()
	}
	e.mu.Unlock()

	if err != nil {
		delay := e.retry.next()
		e.sched.scheduleRetry(delay)
		e.logger.Error("drain failed",
			"trigger", trigger,
			"retry_in", delay,
			"consecutive_failures", e.retry.consecutiveFailures(),
			"error", err)
		e.publish(events.Event{Kind: events.SyncCompleted, Synced: res.Synced, Failed: res.Failed, Remaining: res.Remaining, Err: err})
		return res, err
	}

	e.retry.reset()
	e.sched.cancelRetry()
	if e.again.Swap(false) {
		// A trigger arrived mid-drain; items it enqueued may have been missed.
		e.sched.requestSoon()
	}

	e.publish(events.Event{Kind: events.SyncCompleted, Synced: res.Synced, Failed: res.Failed, Remaining: res.Remaining})
	if res.Synced > 0 || res.Failed > 0 {
		e.logger.Info("drain complete",
			"trigger", trigger,
			"synced", res.Synced,
			"failed", res.Failed,
			"moved", res.Moved,
			"remaining", res.Remaining,
			"duration", res.Duration)
	} else {
		e.logger.Debug("drain complete, queue empty", "trigger", trigger)
	}
	return res, nil
}

// enter registers a drain with the lifecycle. It reports false once Stop has
// been called.
func (e *Engine) enter() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stopped {
		return false
	}
	e.inflight.Add(1)
	return true
}

// drainQueue applies due items batch by batch. Cancelling ctx stops the
// drain between batches; the current batch always completes.
func (e *Engine) drainQueue(ctx context.Context) (Result, error) {
	var res Result
	cfg := e.Config()

	items, err := e.queue.DueItems(ctx, 0)
	if err != nil {
		return res, fmt.Errorf("loading due items: %w", err)
	}

	// Applies outlive cancellation of the caller so a batch is never torn
	// down halfway; the backend client enforces its own timeouts.
	applyCtx := remote.WithFromQueue(context.WithoutCancel(ctx))
	applyCtx = telemetry.WithTarget(applyCtx, "sync")

	var storeErrs []error
	for start := 0; start < len(items); start += cfg.BatchSize {
		if ctx.Err() != nil || !e.network.Online() {
			res.Remaining = len(items) - start
			e.logger.Debug("drain interrupted", "remaining", res.Remaining, "online", e.network.Online())
			break
		}

		end := min(start+cfg.BatchSize, len(items))
		batch := items[start:end]
		results := e.applyBatch(applyCtx, batch, cfg.Concurrency)

		for i, item := range batch {
			if results[i] == nil {
				if err := e.queue.CompleteItem(applyCtx, item.ID); err != nil {
					storeErrs = append(storeErrs, err)
					continue
				}
				res.Synced++
				continue
			}

			res.Failed++
			attempts, moved, err := e.queue.RecordFailure(applyCtx, item.ID, results[i], cfg.RetryAttempts)
			if err != nil {
				storeErrs = append(storeErrs, err)
				continue
			}
			if moved {
				res.Moved++
				e.logger.Warn("sync item moved to failed storage",
					"error", &offlineengine.MaxRetriesExceededError{ItemID: item.ID, Attempts: attempts, Err: results[i]},
					"table", item.Table,
					"operation", item.Operation)
				continue
			}
			e.logger.Debug("sync item failed",
				"id", item.ID,
				"table", item.Table,
				"operation", item.Operation,
				"attempts", attempts,
				"error", results[i])
		}
	}

	return res, errors.Join(storeErrs...)
}

// applyBatch applies every item of a batch, isolating failures per item.
// Items start in queue order.
func (e *Engine) applyBatch(ctx context.Context, batch []store.QueueItem, concurrency int) []error {
	results := make([]error, len(batch))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, item := range batch {
		g.Go(func() error {
			results[i] = e.applier.Apply(ctx, remote.Mutation{
				Table:          item.Table,
				Operation:      item.Operation,
				RecordID:       item.RecordID,
				Payload:        item.Payload,
				IdempotencyKey: item.IdempotencyKey,
			})
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (e *Engine) updateQueueDepth(ctx context.Context) {
	pending, err := e.queue.QueueLength(ctx)
	if err != nil {
		return
	}
	failed, err := e.queue.FailedItems(ctx)
	if err != nil {
		return
	}
	telemetry.UpdateQueueDepth(ctx, pending, len(failed))
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		LastSync:   e.lastSync,
		LastResult: e.lastResult,
		LastError:  e.lastError,
	}
	e.mu.Unlock()

	s.Draining = e.draining.Load()
	s.ConsecutiveFailures = e.retry.consecutiveFailures()
	s.Running, s.NextRetryAt = e.sched.state()
	return s
}

// LastSync returns the time of the last drain that completed without a
// storage failure.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
