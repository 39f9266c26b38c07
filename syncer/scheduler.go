package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	offlineengine "github.com/wolfeidau/offline-engine"
	"github.com/wolfeidau/offline-engine/events"
)

// scheduler owns every timer that can trigger a drain: the periodic
// interval, the debounced request-soon timer and the backoff retry. All of
// them are cancelled by Stop.
type scheduler struct {
	e *Engine

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	reset   chan struct{}
	soon    *time.Timer
	retry   *time.Timer
	retryAt time.Time
	unsubs  []func()
	wg      sync.WaitGroup
}

func newScheduler(e *Engine) *scheduler {
	return &scheduler{e: e}
}

// Start begins periodic draining and subscribes to connectivity events.
// Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.lifeMu.Lock()
	e.stopped = false
	e.lifeMu.Unlock()
	e.sched.start(ctx)
}

// Stop cancels all scheduled drains and waits for every in-flight drain,
// scheduled or caller driven, to finish its current batch. Drains requested
// after Stop fail with ErrStopped until the engine is started again.
func (e *Engine) Stop() {
	e.sched.stop()

	e.lifeMu.Lock()
	e.stopped = true
	e.lifeMu.Unlock()
	e.inflight.Wait()
}

// RequestSoon schedules a drain after the debounce delay. Repeated calls
// within the delay collapse into one drain.
func (e *Engine) RequestSoon() {
	e.sched.requestSoon()
}

func (s *scheduler) start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	s.ctx, s.cancel = context.WithCancel(parent)
	s.reset = make(chan struct{}, 1)
	s.running = true

	if bus := s.e.bus; bus != nil {
		s.unsubs = append(s.unsubs,
			bus.On(events.ConnectivityChanged, func(ev events.Event) {
				if ev.Online {
					s.trigger("online")
				}
			}),
			bus.On(events.VisibleOnline, func(events.Event) {
				s.trigger("visible")
			}),
		)
	}

	s.wg.Add(1)
	go s.loop(s.ctx, s.reset)

	s.e.logger.Info("sync scheduler started", "interval", s.e.Config().Interval)
}

func (s *scheduler) loop(ctx context.Context, reset <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.e.Config().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reset:
			ticker.Reset(s.e.Config().Interval)
		case <-ticker.C:
			if s.e.network.Online() && !s.e.draining.Load() {
				s.run(ctx, "periodic")
			}
		}
	}
}

func (s *scheduler) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	if s.soon != nil {
		s.soon.Stop()
		s.soon = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
		s.retryAt = time.Time{}
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.wg.Wait()

	s.e.logger.Info("sync scheduler stopped")
}

// trigger starts a drain in the background.
func (s *scheduler) trigger(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.wg.Add(1)
	go func(ctx context.Context) {
		defer s.wg.Done()
		s.run(ctx, reason)
	}(s.ctx)
}

// run drains once, logging failures that no caller will see.
func (s *scheduler) run(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.e.drain(ctx, reason); err != nil {
		var offline *offlineengine.OfflineError
		if errors.As(err, &offline) {
			s.e.logger.Debug("drain skipped while offline", "trigger", reason)
		}
	}
}

func (s *scheduler) requestSoon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.soon != nil {
		s.soon.Stop()
	}
	s.soon = time.AfterFunc(s.e.Config().Debounce, func() {
		s.mu.Lock()
		s.soon = nil
		s.mu.Unlock()
		s.trigger("soon")
	})
}

func (s *scheduler) scheduleRetry(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retryAt = s.e.now().Add(delay)
	s.retry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retry = nil
		s.retryAt = time.Time{}
		s.mu.Unlock()
		s.trigger("retry")
	})
}

func (s *scheduler) cancelRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
		s.retryAt = time.Time{}
	}
}

// reconfigure re-arms the periodic ticker after a config change.
func (s *scheduler) reconfigure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

func (s *scheduler) state() (running bool, nextRetry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.retryAt
}
