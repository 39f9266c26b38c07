package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/offline-engine/events"
)

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestMonitor_EdgeDetection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()
	ch, err := bus.Subscribe(ctx, events.ConnectivityChanged)
	require.NoError(t, err)

	m := New(WithBus(bus))
	require.True(t, m.Online())

	require.False(t, m.SetOnline(true), "already online")
	require.True(t, m.SetOnline(false))
	require.False(t, m.SetOnline(false))
	require.False(t, m.SetOnline(false))
	require.True(t, m.SetOnline(true))

	got := drain(ch)
	require.Len(t, got, 2)
	require.False(t, got[0].Online)
	require.True(t, got[1].Online)

	st := m.Status()
	require.True(t, st.Online)
	require.Equal(t, SourceLocal, st.Source)
	require.False(t, st.LastChange.IsZero())
	require.Equal(t, m.Instance(), st.Instance)
}

func TestMonitor_VisibleOnline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()
	ch, err := bus.Subscribe(ctx, events.VisibleOnline)
	require.NoError(t, err)

	m := New(WithBus(bus), WithInitialState(true, false))

	m.SetVisible(true)
	m.SetVisible(true)
	require.Len(t, drain(ch), 1)

	m.SetVisible(false)
	m.SetOnline(false)
	m.SetVisible(true)
	require.Empty(t, drain(ch), "becoming visible while offline is silent")
}

func TestMonitor_SharesTransitionsAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "network-status.json")

	busA := events.NewBus()
	defer busA.Close()
	busB := events.NewBus()
	defer busB.Close()

	a := New(WithBus(busA), WithSignalFile(path))
	b := New(WithBus(busB), WithSignalFile(path))
	require.NotEqual(t, a.Instance(), b.Instance())

	chA, err := busA.Subscribe(ctx, events.ConnectivityChanged)
	require.NoError(t, err)
	chB, err := busB.Subscribe(ctx, events.ConnectivityChanged)
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	a.SetOnline(false)

	select {
	case ev := <-chB:
		require.False(t, ev.Online)
	case <-time.After(2 * time.Second):
		t.Fatal("peer transition not observed")
	}
	require.False(t, b.Online())
	require.Equal(t, SourcePeer, b.Status().Source)

	// A's own write must not echo back as a second edge.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, drain(chA), 1)

	sig, err := a.signal.Read()
	require.NoError(t, err)
	require.Equal(t, a.Instance(), sig.Instance, "peer updates are not re-written")
}

func TestMonitor_StartStop(t *testing.T) {
	m := New(WithSignalFile(filepath.Join(t.TempDir(), "network-status.json")))

	require.NoError(t, m.Start(context.Background()))
	require.True(t, m.Running())
	require.NoError(t, m.Start(context.Background()))

	m.Stop()
	require.False(t, m.Running())
	m.Stop()
}

func TestMonitor_WatchMissingDirectory(t *testing.T) {
	m := New(WithSignalFile(filepath.Join(t.TempDir(), "missing", "network-status.json")))
	require.Error(t, m.Start(context.Background()))
	require.False(t, m.Running())
}

func TestProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	p := NewProber(srv.URL, 10*time.Millisecond, time.Second)
	require.True(t, p.Probe(context.Background()))

	m := New(WithProber(p))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	srv.Close()
	require.Eventually(t, func() bool {
		return !m.Online()
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, SourceProbe, m.Status().Source)
}
