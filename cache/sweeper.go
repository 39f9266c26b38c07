package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/offline-engine/store"
	"github.com/wolfeidau/offline-engine/telemetry"
)

// Sweeper periodically removes expired cache entries and, when a size limit
// is set, evicts the oldest entries until the cache fits.
type Sweeper struct {
	store     store.CacheStore
	interval  time.Duration
	batchSize int
	maxSize   func() int64
	now       func() time.Time
	logger    *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the sweep interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = d
	}
}

// WithSweepBatchSize sets the maximum entries deleted per transaction.
func WithSweepBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		s.batchSize = n
	}
}

// WithMaxSize sets the size limit, read on every cycle.
func WithMaxSize(fn func() int64) SweeperOption {
	return func(s *Sweeper) {
		s.maxSize = fn
	}
}

// WithSweeperNow sets the time function for testing.
func WithSweeperNow(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

// WithSweeperLogger sets the logger for the sweeper.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// NewSweeper creates a sweeper with the given options.
// Defaults: interval=5m, batchSize=100, no size limit.
func NewSweeper(s store.CacheStore, opts ...SweeperOption) *Sweeper {
	sw := &Sweeper{
		store:     s,
		interval:  5 * time.Minute,
		batchSize: 100,
		maxSize:   func() int64 { return 0 },
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// SweepResult contains the results of a sweep.
type SweepResult struct {
	Expired    int
	Evicted    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// Run sweeps immediately and then on every interval. It blocks until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("cache sweeper started", "interval", s.interval, "batchSize", s.batchSize)
	s.SweepNow(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("cache sweeper stopped")
			return
		case <-ticker.C:
			s.SweepNow(ctx)
		}
	}
}

// SweepNow runs a single sweep cycle.
func (s *Sweeper) SweepNow(ctx context.Context) *SweepResult {
	start := s.now()
	result := &SweepResult{}

	s.expire(ctx, result)
	if limit := s.maxSize(); limit > 0 {
		s.evict(ctx, limit, result)
	}

	result.Duration = s.now().Sub(start)
	telemetry.RecordReaperCycle(ctx, "cache_expiry", result.Expired, result.Duration)
	telemetry.RecordReaperCycle(ctx, "cache_size", result.Evicted, result.Duration)
	if entries, size, err := s.store.CacheSize(ctx); err == nil {
		telemetry.UpdateCacheSize(ctx, entries, size)
	}

	if result.Expired > 0 || result.Evicted > 0 {
		s.logger.Info("cache sweep complete",
			"expired", result.Expired,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration)
	} else {
		s.logger.Debug("cache sweep complete, nothing to remove")
	}
	return result
}

// expire deletes expired entries batch by batch.
func (s *Sweeper) expire(ctx context.Context, result *SweepResult) {
	now := s.now()
	for ctx.Err() == nil {
		expired, err := s.store.ExpiredCache(ctx, now, s.batchSize)
		if err != nil {
			s.logger.Error("failed to list expired cache entries", "error", err)
			result.Errors++
			return
		}
		if len(expired) == 0 {
			return
		}

		if err := s.store.DeleteCacheEntries(ctx, expired); err != nil {
			s.logger.Warn("failed to delete expired cache entries", "count", len(expired), "error", err)
			result.Errors++
			return
		}
		result.Expired += len(expired)
		for _, ref := range expired {
			result.BytesFreed += ref.Size
		}

		if len(expired) < s.batchSize {
			return
		}
	}
}

// evict removes the oldest entries until the total size is within limit.
func (s *Sweeper) evict(ctx context.Context, limit int64, result *SweepResult) {
	_, total, err := s.store.CacheSize(ctx)
	if err != nil {
		s.logger.Error("failed to read cache size", "error", err)
		result.Errors++
		return
	}
	if total <= limit {
		return
	}

	oldest, err := s.store.OldestCache(ctx, 0)
	if err != nil {
		s.logger.Error("failed to list cache entries", "error", err)
		result.Errors++
		return
	}

	var victims []store.CacheRef
	for _, ref := range oldest {
		if total <= limit {
			break
		}
		victims = append(victims, ref)
		total -= ref.Size
	}

	for start := 0; start < len(victims); start += s.batchSize {
		batch := victims[start:min(start+s.batchSize, len(victims))]
		if err := s.store.DeleteCacheEntries(ctx, batch); err != nil {
			s.logger.Warn("failed to evict cache entries", "count", len(batch), "error", err)
			result.Errors++
			return
		}
		result.Evicted += len(batch)
		for _, ref := range batch {
			result.BytesFreed += ref.Size
		}
	}
}
