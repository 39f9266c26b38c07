package intercept

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	offlineengine "github.com/wolfeidau/offline-engine"
	"github.com/wolfeidau/offline-engine/events"
	"github.com/wolfeidau/offline-engine/telemetry"
)

// DefaultHistorySize bounds the reporter history.
const DefaultHistorySize = 50

// Report is a classified error.
type Report struct {
	ID       string                 `json:"id"`
	At       time.Time              `json:"at"`
	Source   string                 `json:"source"`
	Category offlineengine.Category `json:"category"`
	Level    offlineengine.Level    `json:"level"`
	Message  string                 `json:"message"`
	Notice   offlineengine.Notice   `json:"notice"`
}

// Statistics summarises the reporter history.
type Statistics struct {
	Total      int                            `json:"total"`
	Last24h    int                            `json:"last_24h"`
	ByCategory map[offlineengine.Category]int `json:"by_category"`
	ByLevel    map[offlineengine.Level]int    `json:"by_level"`
}

// Reporter classifies errors, keeps a bounded history and publishes
// ErrorReported events.
type Reporter struct {
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
	max    int

	mu      sync.Mutex
	history []Report // newest first
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithReporterBus publishes ErrorReported events on bus.
func WithReporterBus(bus *events.Bus) ReporterOption {
	return func(r *Reporter) {
		r.bus = bus
	}
}

// WithReporterLogger sets the logger.
func WithReporterLogger(logger *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		r.logger = logger
	}
}

// WithReporterNow sets the time function for testing.
func WithReporterNow(now func() time.Time) ReporterOption {
	return func(r *Reporter) {
		r.now = now
	}
}

// WithHistorySize sets the number of reports kept.
func WithHistorySize(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.max = n
		}
	}
}

// NewReporter creates a reporter.
func NewReporter(opts ...ReporterOption) *Reporter {
	r := &Reporter{
		logger: slog.Default(),
		now:    time.Now,
		max:    DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "errors")
	return r
}

// Report classifies err raised by source and records it.
func (r *Reporter) Report(ctx context.Context, source string, err error) Report {
	notice := offlineengine.Describe(err)
	rep := Report{
		ID:       uuid.NewString(),
		At:       r.now(),
		Source:   source,
		Category: notice.Category,
		Level:    notice.Level,
		Message:  notice.Detail,
		Notice:   notice,
	}

	r.mu.Lock()
	r.history = append([]Report{rep}, r.history...)
	if len(r.history) > r.max {
		r.history = r.history[:r.max]
	}
	r.mu.Unlock()

	attrs := []any{"source", source, "category", rep.Category, "level", rep.Level, "error", err}
	switch rep.Level {
	case offlineengine.LevelLow:
		r.logger.Info("error reported", attrs...)
	case offlineengine.LevelMedium:
		r.logger.Warn("error reported", attrs...)
	default:
		r.logger.Error("error reported", attrs...)
	}

	telemetry.RecordErrorReported(ctx, string(rep.Category), string(rep.Level))
	if r.bus != nil {
		r.bus.Publish(events.Event{Kind: events.ErrorReported, At: rep.At, Err: err})
	}
	return rep
}

// History returns the recorded reports, newest first.
func (r *Reporter) History() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.history...)
}

// Clear empties the history.
func (r *Reporter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}

// Statistics summarises the history.
func (r *Reporter) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Statistics{
		Total:      len(r.history),
		ByCategory: make(map[offlineengine.Category]int),
		ByLevel:    make(map[offlineengine.Level]int),
	}
	cutoff := r.now().Add(-24 * time.Hour)
	for _, rep := range r.history {
		if rep.At.After(cutoff) {
			stats.Last24h++
		}
		stats.ByCategory[rep.Category]++
		stats.ByLevel[rep.Level]++
	}
	return stats
}
