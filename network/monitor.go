// Package network tracks connectivity for the engine.
//
// The Monitor turns raw observations (explicit SetOnline calls, probe
// results and transitions written by other engine instances sharing the
// data directory) into edge events on the bus: ConnectivityChanged fires once
// per online/offline edge and VisibleOnline fires when the engine becomes
// visible while online.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/offline-engine/events"
	"github.com/wolfeidau/offline-engine/telemetry"
)

// Transition sources.
const (
	SourceLocal = "local"
	SourceProbe = "probe"
	SourcePeer  = "peer"
)

// Status is a snapshot of the monitor state.
type Status struct {
	Online     bool      `json:"online"`
	Visible    bool      `json:"visible"`
	LastChange time.Time `json:"last_change,omitzero"`
	Source     string    `json:"source,omitempty"`
	Instance   string    `json:"instance"`
}

// Monitor tracks connectivity and visibility.
type Monitor struct {
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
	instance string
	signal   *SignalFile
	prober   *Prober

	// pubMu orders edge publication; mu guards state and is never held
	// while handlers run.
	pubMu      sync.Mutex
	mu         sync.Mutex
	online     bool
	visible    bool
	lastChange time.Time
	source     string

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBus publishes transitions on bus.
func WithBus(bus *events.Bus) Option {
	return func(m *Monitor) {
		m.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithInitialState sets the state assumed before the first observation.
// The default is online and visible.
func WithInitialState(online, visible bool) Option {
	return func(m *Monitor) {
		m.online = online
		m.visible = visible
	}
}

// WithSignalFile shares transitions with other instances through the file
// at path.
func WithSignalFile(path string) Option {
	return func(m *Monitor) {
		m.signal = NewSignalFile(path)
	}
}

// WithProber feeds periodic probe results into the monitor.
func WithProber(p *Prober) Option {
	return func(m *Monitor) {
		m.prober = p
	}
}

// New creates a monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		logger:   slog.Default(),
		now:      time.Now,
		instance: uuid.NewString(),
		online:   true,
		visible:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "network", "instance", m.instance)
	if m.signal != nil {
		m.signal.instance = m.instance
		m.signal.logger = m.logger
	}
	return m
}

// Instance returns the id this monitor writes to the signal file.
func (m *Monitor) Instance() string {
	return m.instance
}

// Online reports the current connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Visible reports whether the engine is in the foreground.
func (m *Monitor) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// Status returns a snapshot of the monitor state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Online:     m.online,
		Visible:    m.visible,
		LastChange: m.lastChange,
		Source:     m.source,
		Instance:   m.instance,
	}
}

// SetOnline records a local connectivity observation. It reports whether
// the observation was an edge; repeated values are ignored.
func (m *Monitor) SetOnline(online bool) bool {
	return m.set(online, SourceLocal)
}

func (m *Monitor) set(online bool, source string) bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.lastChange = m.now()
	m.source = source
	at := m.lastChange
	m.mu.Unlock()

	m.publish(events.Event{Kind: events.ConnectivityChanged, Online: online, At: at})

	telemetry.RecordNetworkTransition(context.Background(), online, source)
	m.logger.Info("connectivity changed", "online", online, "source", source)

	if source != SourcePeer && m.signal != nil {
		if err := m.signal.Write(online, at); err != nil {
			m.logger.Warn("failed to share connectivity change", "error", err)
		}
	}
	return true
}

// SetVisible records a visibility change. Becoming visible while online
// publishes VisibleOnline.
func (m *Monitor) SetVisible(visible bool) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	if m.visible == visible {
		m.mu.Unlock()
		return
	}
	m.visible = visible
	fire := visible && m.online
	m.mu.Unlock()

	if fire {
		m.publish(events.Event{Kind: events.VisibleOnline, Online: true})
	}
}

func (m *Monitor) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// Start begins watching the signal file and running the prober, when
// configured. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	if m.signal != nil {
		watch, err := m.signal.Watch(runCtx)
		if err != nil {
			cancel()
			return err
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for sig := range watch {
				m.logger.Debug("peer connectivity change", "peer", sig.Instance, "online", sig.Online)
				m.set(sig.Online, SourcePeer)
			}
		}()
	}

	if m.prober != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.prober.Run(runCtx, func(online bool) {
				m.set(online, SourceProbe)
			})
		}()
	}

	m.cancel = cancel
	m.running = true
	m.logger.Debug("network monitor started", "signal", m.signal != nil, "prober", m.prober != nil)
	return nil
}

// Stop stops the watcher and prober and waits for them to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.running = false
	m.logger.Debug("network monitor stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}
