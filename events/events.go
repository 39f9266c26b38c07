// Package events is the typed in-process event bus used by the engine
// components to observe each other without direct references.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an engine event.
type Kind string

const (
	// ConnectivityChanged fires on every online/offline edge.
	ConnectivityChanged Kind = "connectivity_changed"
	// VisibleOnline fires when the engine becomes visible while online.
	VisibleOnline Kind = "visible_online"
	SyncStarted   Kind = "sync_started"
	SyncCompleted Kind = "sync_completed"
	// CacheUpdated fires after a background revalidation stores a fresh response.
	CacheUpdated       Kind = "cache_updated"
	OfflineDataCleared Kind = "offline_data_cleared"
	EngineInitialized  Kind = "engine_initialized"
	EngineDisabled     Kind = "engine_disabled"
	ErrorReported      Kind = "error_reported"
)

// Event is a notification published on the bus. Only the fields relevant to
// the Kind are set.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	Online bool `json:"online,omitempty"`

	Synced    int `json:"synced,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Remaining int `json:"remaining,omitempty"`

	// Key identifies the cache entry for CacheUpdated.
	Key string `json:"key,omitempty"`

	Err error `json:"-"`
}

// ErrBusClosed is returned when subscribing to a shut down bus.
var ErrBusClosed = errors.New("events: bus closed")

// defaultBuffer bounds each channel subscriber. Publish never blocks, so a
// subscriber that falls this far behind loses events.
const defaultBuffer = 64

// Handler is invoked synchronously by Publish. It must not block.
type Handler func(Event)

type subscriber struct {
	kinds   map[Kind]struct{}
	ch      chan Event
	handler Handler
	closed  atomic.Bool
}

func (s *subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans events out to channel subscribers and handlers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      atomic.Bool
	dropped     atomic.Int64
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger for the bus.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithNow sets the time function used to stamp events.
func WithNow(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[*subscriber]struct{}),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers e to every interested subscriber. A zero At is stamped
// with the current time. Publish never blocks on slow channel subscribers.
func (b *Bus) Publish(e Event) {
	if b == nil || b.closed.Load() {
		return
	}
	if e.At.IsZero() {
		e.At = b.now()
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() || !sub.wants(e.Kind) {
			continue
		}
		if sub.handler != nil {
			b.invoke(sub.handler, e)
			continue
		}
		b.trySend(sub, e)
	}
}

func (b *Bus) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", e.Kind, "panic", r)
		}
	}()
	h(e)
}

func (b *Bus) trySend(sub *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			sub.closed.Store(true)
		}
	}()

	select {
	case sub.ch <- e:
	default:
		b.dropped.Add(1)
		b.logger.Warn("dropping event for slow subscriber", "kind", e.Kind)
	}
}

// Subscribe returns a channel receiving events of the given kinds (all kinds
// when none are given). The subscription ends and the channel is closed when
// ctx is done or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	sub := &subscriber{
		kinds: kindSet(kinds),
		ch:    make(chan Event, defaultBuffer),
	}
	if err := b.add(sub); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		b.remove(sub)
	}()

	return sub.ch, nil
}

// On registers fn for events of kind and returns a function that removes it.
func (b *Bus) On(kind Kind, fn Handler) (cancel func()) {
	sub := &subscriber{
		kinds:   kindSet([]Kind{kind}),
		handler: fn,
	}
	if err := b.add(sub); err != nil {
		return func() {}
	}
	return func() { b.remove(sub) }
}

// Dropped returns the number of events discarded because a subscriber buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close removes every subscriber and closes their channels. Later publishes
// are ignored.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		b.closeSub(sub)
	}
	b.subscribers = nil
}

func (b *Bus) add(sub *subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return ErrBusClosed
	}
	b.subscribers[sub] = struct{}{}
	return nil
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers == nil {
		return
	}
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	b.closeSub(sub)
}

func (b *Bus) closeSub(sub *subscriber) {
	if sub.closed.CompareAndSwap(false, true) && sub.ch != nil {
		close(sub.ch)
	}
}

func kindSet(kinds []Kind) map[Kind]struct{} {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}
