package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	offlineengine "github.com/wolfeidau/offline-engine"
	"github.com/wolfeidau/offline-engine/events"
	"github.com/wolfeidau/offline-engine/remote"
	"github.com/wolfeidau/offline-engine/store"
)

func newTestQueue(t *testing.T) *store.BoltStore {
	t.Helper()
	s := store.New(store.WithNoSync(true))
	require.NoError(t, s.Open(filepath.Join(t.TempDir(), "offline.db")))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// toggle is a settable connectivity source.
type toggle struct{ online atomic.Bool }

func newToggle(online bool) *toggle {
	t := &toggle{}
	t.online.Store(online)
	return t
}

func (t *toggle) Online() bool { return t.online.Load() }

func enqueue(t *testing.T, e *Engine, op offlineengine.Operation, id string) {
	t.Helper()
	_, err := e.Enqueue(context.Background(), "invoices", op, id, json.RawMessage(`{"id":"`+id+`"}`))
	require.NoError(t, err)
}

func TestEngine_DrainAppliesInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	backend := remote.NewMemoryApplier()
	e := New(q, backend, DefaultConfig())

	enqueue(t, e, offlineengine.OpUpdate, "a")
	enqueue(t, e, offlineengine.OpDelete, "b")
	enqueue(t, e, offlineengine.OpCreate, "c")

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, res.Synced)
	require.Zero(t, res.Failed)

	var ops []offlineengine.Operation
	for _, c := range backend.Calls() {
		ops = append(ops, c.Operation)
	}
	require.Equal(t, []offlineengine.Operation{offlineengine.OpDelete, offlineengine.OpCreate, offlineengine.OpUpdate}, ops)

	n, err := q.QueueLength(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, e.LastSync().IsZero())
}

func TestEngine_ReplayCarriesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	backend := remote.NewMemoryApplier()

	var fail atomic.Bool
	fail.Store(true)
	backend.FailWith(func(remote.Mutation) error {
		if fail.Load() {
			return errors.New("gateway timeout")
		}
		return nil
	})

	var mu sync.Mutex
	var keys []string
	var fromQueue []bool
	applier := remote.ApplierFunc(func(ctx context.Context, m remote.Mutation) error {
		mu.Lock()
		keys = append(keys, m.IdempotencyKey)
		fromQueue = append(fromQueue, remote.FromQueue(ctx))
		mu.Unlock()
		return backend.Apply(ctx, m)
	})

	e := New(q, applier, DefaultConfig())
	enqueue(t, e, offlineengine.OpCreate, "inv-1")

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	fail.Store(false)
	res, err = e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	require.Len(t, keys, 2)
	require.NotEmpty(t, keys[0])
	require.Equal(t, keys[0], keys[1])
	require.Equal(t, []bool{true, true}, fromQueue)
	require.Len(t, backend.Rows("invoices"), 1)
}

func TestEngine_DuplicateCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	backend := remote.NewMemoryApplier()
	e := New(q, backend, DefaultConfig())

	_, err := e.Enqueue(ctx, "invoices", offlineengine.OpCreate, "inv-1", json.RawMessage(`{"id":"inv-1","total":1}`))
	require.NoError(t, err)
	res, err := e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	// A re-inserted duplicate gets its own queue id and idempotency key.
	_, err = e.Enqueue(ctx, "invoices", offlineengine.OpCreate, "inv-1", json.RawMessage(`{"id":"inv-1","total":2}`))
	require.NoError(t, err)
	res, err = e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	calls := backend.Calls()
	require.Len(t, calls, 2)
	require.NotEqual(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)

	rows := backend.Rows("invoices")
	require.Len(t, rows, 1)
	require.JSONEq(t, `{"id":"inv-1","total":1}`, string(rows["inv-1"]))

	n, err := q.QueueLength(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEngine_DrainMarksRecordsSynced(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	e := New(q, remote.NewMemoryApplier(), DefaultConfig())

	_, err := q.PutRecord(ctx, "invoices", "inv-1", json.RawMessage(`{"id":"inv-1"}`))
	require.NoError(t, err)
	enqueue(t, e, offlineengine.OpCreate, "inv-1")

	meta, err := q.RecordMeta(ctx, "invoices", "inv-1")
	require.NoError(t, err)
	require.Equal(t, store.SyncPending, meta.SyncStatus)

	_, err = e.Drain(ctx)
	require.NoError(t, err)

	meta, err = q.RecordMeta(ctx, "invoices", "inv-1")
	require.NoError(t, err)
	require.Equal(t, store.SyncSynced, meta.SyncStatus)
	require.False(t, meta.SyncedAt.IsZero())
}

func TestEngine_RetryExhaustionMovesToFailed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	var calls atomic.Int32
	applier := remote.ApplierFunc(func(context.Context, remote.Mutation) error {
		calls.Add(1)
		return &offlineengine.NetworkError{Op: "apply", StatusCode: 500}
	})
	e := New(q, applier, DefaultConfig())
	enqueue(t, e, offlineengine.OpCreate, "inv-1")

	for i := 1; i <= 2; i++ {
		res, err := e.Drain(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Failed)
		require.Zero(t, res.Moved)

		items, err := q.DueItems(ctx, 0)
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.Equal(t, i, items[0].Attempts)
	}

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Moved)
	require.EqualValues(t, 3, calls.Load())

	n, err := q.QueueLength(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	failed, err := q.FailedItems(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 3, failed[0].Attempts)
	require.Contains(t, failed[0].LastError, "status 500")

	// A parked item is never retried.
	_, err = e.Drain(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestEngine_FailureIsolatedPerItem(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	backend := remote.NewMemoryApplier()
	backend.FailWith(func(m remote.Mutation) error {
		if m.RecordID == "bad" {
			return errors.New("rejected")
		}
		return nil
	})

	cfg := DefaultConfig()
	cfg.Concurrency = 4
	e := New(q, backend, cfg)
	enqueue(t, e, offlineengine.OpCreate, "good-1")
	enqueue(t, e, offlineengine.OpCreate, "bad")
	enqueue(t, e, offlineengine.OpCreate, "good-2")

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Synced)
	require.Equal(t, 1, res.Failed)

	items, err := q.DueItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "bad", items[0].RecordID)
}

func TestEngine_BatchesStopWhenOffline(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	net := newToggle(true)

	applier := remote.ApplierFunc(func(context.Context, remote.Mutation) error {
		net.online.Store(false)
		return nil
	})

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	e := New(q, applier, cfg, WithConnectivity(net))
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		enqueue(t, e, offlineengine.OpCreate, id)
	}

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Synced)
	require.Equal(t, 3, res.Remaining)
}

func TestEngine_OfflineDrain(t *testing.T) {
	q := newTestQueue(t)
	var calls atomic.Int32
	applier := remote.ApplierFunc(func(context.Context, remote.Mutation) error {
		calls.Add(1)
		return nil
	})
	e := New(q, applier, DefaultConfig(), WithConnectivity(newToggle(false)))
	enqueue(t, e, offlineengine.OpCreate, "a")

	_, err := e.ForceDrain(context.Background())
	require.Error(t, err)
	require.True(t, offlineengine.IsOffline(err))
	var oe *offlineengine.OfflineError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "sync", oe.Action)
	require.Zero(t, calls.Load())
}

func TestEngine_AtMostOneDrain(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	applier := remote.ApplierFunc(func(context.Context, remote.Mutation) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	e := New(q, applier, DefaultConfig())
	enqueue(t, e, offlineengine.OpCreate, "a")

	done := make(chan Result, 1)
	go func() {
		res, err := e.Drain(ctx)
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	require.True(t, e.Status().Draining)

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	require.True(t, res.Skipped)

	close(release)
	first := <-done
	require.False(t, first.Skipped)
	require.Equal(t, 1, first.Synced)
	require.False(t, e.Status().Draining)
}

func TestEngine_EnqueueValidation(t *testing.T) {
	e := New(newTestQueue(t), remote.NewMemoryApplier(), DefaultConfig())
	ctx := context.Background()

	_, err := e.Enqueue(ctx, "", offlineengine.OpCreate, "a", nil)
	require.Error(t, err)

	_, err = e.Enqueue(ctx, "invoices", "", "a", nil)
	require.Error(t, err)

	id, err := e.Enqueue(ctx, "invoices", offlineengine.OpCreate, "a", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotZero(t, id)
}

func TestEngine_PublishesSyncEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()
	ch, err := bus.Subscribe(ctx, events.SyncStarted, events.SyncCompleted)
	require.NoError(t, err)

	e := New(newTestQueue(t), remote.NewMemoryApplier(), DefaultConfig(), WithBus(bus))
	enqueue(t, e, offlineengine.OpCreate, "a")

	_, err = e.Drain(ctx)
	require.NoError(t, err)

	started := <-ch
	require.Equal(t, events.SyncStarted, started.Kind)
	completed := <-ch
	require.Equal(t, events.SyncCompleted, completed.Kind)
	require.Equal(t, 1, completed.Synced)
	require.Zero(t, completed.Remaining)
}

func TestEngine_StorageFailureSchedulesBackoff(t *testing.T) {
	q := newTestQueue(t)
	e := New(q, remote.NewMemoryApplier(), DefaultConfig())
	e.Start(context.Background())
	defer e.Stop()

	require.NoError(t, q.Close())

	_, err := e.Drain(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, store.ErrClosed)

	st := e.Status()
	require.Equal(t, 1, st.ConsecutiveFailures)
	require.NotEmpty(t, st.LastError)
	require.False(t, st.NextRetryAt.IsZero())
	require.True(t, e.LastSync().IsZero())
}

func TestRetryPolicy_Progression(t *testing.T) {
	p := newRetryPolicy(5*time.Second, time.Minute)

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		time.Minute,
		time.Minute,
	}
	for i, w := range want {
		require.Equal(t, w, p.next(), "attempt %d", i+1)
	}
	require.Equal(t, len(want), p.consecutiveFailures())

	p.reset()
	require.Zero(t, p.consecutiveFailures())
	require.Equal(t, 5*time.Second, p.next())

	p.configure(time.Second, 2*time.Second)
	require.Zero(t, p.consecutiveFailures())
	require.Equal(t, time.Second, p.next())
	require.Equal(t, 2*time.Second, p.next())
	require.Equal(t, 2*time.Second, p.next())
}

func TestConfig_WithDefaults(t *testing.T) {
	got := Config{BatchSize: 5}.withDefaults()
	want := DefaultConfig()
	want.BatchSize = 5
	require.Equal(t, want, got)
}

func TestScheduler_RequestSoonDebounces(t *testing.T) {
	q := newTestQueue(t)
	var calls atomic.Int32
	applier := remote.ApplierFunc(func(context.Context, remote.Mutation) error {
		calls.Add(1)
		return nil
	})

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.Debounce = 20 * time.Millisecond
	e := New(q, applier, cfg)
	enqueue(t, e, offlineengine.OpCreate, "a")

	e.Start(context.Background())
	defer e.Stop()

	for range 5 {
		e.RequestSoon()
	}

	require.Eventually(t, func() bool {
		n, err := q.QueueLength(context.Background())
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}

func TestScheduler_DrainsOnReconnect(t *testing.T) {
	q := newTestQueue(t)
	bus := events.NewBus()
	defer bus.Close()
	net := newToggle(false)

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	backend := remote.NewMemoryApplier()
	e := New(q, backend, cfg, WithBus(bus), WithConnectivity(net))
	enqueue(t, e, offlineengine.OpCreate, "a")
	enqueue(t, e, offlineengine.OpCreate, "b")

	e.Start(context.Background())
	defer e.Stop()

	net.online.Store(true)
	bus.Publish(events.Event{Kind: events.ConnectivityChanged, Online: true})

	require.Eventually(t, func() bool {
		return len(backend.Rows("invoices")) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_PeriodicDrain(t *testing.T) {
	q := newTestQueue(t)
	backend := remote.NewMemoryApplier()

	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	e := New(q, backend, cfg)
	e.Start(context.Background())
	defer e.Stop()

	enqueue(t, e, offlineengine.OpCreate, "a")

	require.Eventually(t, func() bool {
		return len(backend.Rows("invoices")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopCancelsTimers(t *testing.T) {
	q := newTestQueue(t)
	var calls atomic.Int32
	applier := remote.ApplierFunc(func(context.Context, remote.Mutation) error {
		calls.Add(1)
		return nil
	})

	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.Debounce = 20 * time.Millisecond
	e := New(q, applier, cfg)
	enqueue(t, e, offlineengine.OpCreate, "a")

	e.Start(context.Background())
	e.RequestSoon()
	e.Stop()
	require.False(t, e.Status().Running)

	time.Sleep(60 * time.Millisecond)
	require.Zero(t, calls.Load())

	// Requests after Stop are ignored.
	e.RequestSoon()
	time.Sleep(60 * time.Millisecond)
	require.Zero(t, calls.Load())
}

func TestEngine_StopWaitsForCallerDrain(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	applier := remote.ApplierFunc(func(context.Context, remote.Mutation) error {
		close(entered)
		<-release
		return nil
	})
	e := New(q, applier, DefaultConfig())
	enqueue(t, e, offlineengine.OpCreate, "a")

	type drained struct {
		res Result
		err error
	}
	drainDone := make(chan drained, 1)
	go func() {
		res, err := e.ForceDrain(ctx)
		drainDone <- drained{res, err}
	}()
	<-entered

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a drain was applying")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped

	d := <-drainDone
	require.NoError(t, d.err)
	require.Equal(t, 1, d.res.Synced)

	n, err := q.QueueLength(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = e.Drain(ctx)
	require.ErrorIs(t, err, ErrStopped)
}
