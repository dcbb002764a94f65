package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarias/fieldsync/internal/logging"
)

func TestMonitorNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(false)
	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)

	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, m.Online())
}

func TestMonitorRegistrationOrderAndUnsubscribe(t *testing.T) {
	m := NewMonitor(true)
	var order []string
	m.Subscribe(func(bool) { order = append(order, "first") })
	unsub := m.Subscribe(func(bool) { order = append(order, "second") })
	m.Subscribe(func(bool) { order = append(order, "third") })

	m.SetOnline(false)
	unsub()
	unsub()
	m.SetOnline(true)

	assert.Equal(t, []string{"first", "second", "third", "first", "third"}, order)
}

func TestListenerMayReadState(t *testing.T) {
	m := NewMonitor(false)
	var seen bool
	// Online takes the lock, so this deadlocks if listeners run under it.
	m.Subscribe(func(bool) { seen = m.Online() })
	m.SetOnline(true)
	assert.True(t, seen)
}

func TestProberFollowsHealthEndpoint(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	m := NewMonitor(false)
	p := NewProber(m, srv.URL, time.Hour, time.Second, logging.Discard())
	ctx := context.Background()

	assert.True(t, p.ProbeOnce(ctx))
	assert.True(t, m.Online())

	status.Store(http.StatusNotFound)
	assert.True(t, p.ProbeOnce(ctx), "a 4xx still proves the host answers")

	status.Store(http.StatusBadGateway)
	assert.False(t, p.ProbeOnce(ctx))
	assert.False(t, m.Online())

	srv.Close()
	status.Store(http.StatusOK)
	assert.False(t, p.ProbeOnce(ctx))
}

func TestProberRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := NewMonitor(false)
	p := NewProber(m, srv.URL, 10*time.Millisecond, time.Second, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
}
