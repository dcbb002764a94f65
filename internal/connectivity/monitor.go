// Package connectivity tracks whether the remote service is reachable and
// tells subscribers when that changes.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/luminarias/fieldsync/internal/logging"
)

// Listener is called with the new state on every transition.
type Listener func(online bool)

// Monitor holds the current online state. Listeners run synchronously, in
// registration order, outside the lock, and only when the state changes.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners []subscription
}

type subscription struct {
	id int
	fn Listener
}

// NewMonitor starts in the given state.
func NewMonitor(initial bool) *Monitor {
	return &Monitor{online: initial}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn and returns a function that removes it.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SetOnline records a reachability signal. Repeating the current state is a
// no-op.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]Listener, len(m.listeners))
	for i, s := range m.listeners {
		fns[i] = s.fn
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Prober polls a health URL and feeds the result into a Monitor. Any HTTP
// response below 500 counts as reachable; 5xx and transport errors do not.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client
	log      *slog.Logger
}

// NewProber builds a Prober. timeout bounds each probe request.
func NewProber(m *Monitor, url string, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		monitor:  m,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		log:      logging.OrDefault(logger),
	}
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProbeOnce performs a single probe and updates the monitor.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	online := p.reachable(ctx)
	if ctx.Err() != nil {
		return p.monitor.Online()
	}
	if online != p.monitor.Online() {
		p.log.Info("connectivity changed", "online", online, "url", p.url)
	}
	p.monitor.SetOnline(online)
	return online
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.log.Warn("build probe request", "err", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("probe failed", "err", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
