// Package connectivity reports whether the remote store is reachable.
package connectivity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/possync/backend/internal/logging"
)

// Probe reports reachability of the remote store and notifies on changes.
type Probe interface {
	IsOnline() bool
	// OnChange registers fn to be called with the new state on every
	// transition. The returned func removes the registration.
	OnChange(fn func(online bool)) (unsubscribe func())
}

// Manual is a probe whose state is set explicitly. It backs tests and
// deployments where the host application owns connectivity detection.
type Manual struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(bool)
}

// NewManual creates a manual probe with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{
		online:    online,
		listeners: make(map[int]func(bool)),
	}
}

// IsOnline returns the current state.
func (m *Manual) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline changes the state and notifies listeners on a transition.
// Listeners run synchronously after the state is updated.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := m.snapshotListeners()
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})

	for _, fn := range fns {
		fn(online)
	}
}

// OnChange registers a transition listener.
func (m *Manual) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// snapshotListeners returns listeners in registration order. Caller holds m.mu.
func (m *Manual) snapshotListeners() []func(bool) {
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	return fns
}

// Pinger is anything that can cheaply check reachability of the remote store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Poller derives connectivity from periodic pings against the remote store.
type Poller struct {
	*Manual
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPoller creates a poller. The probe starts offline until the first ping.
func NewPoller(pinger Pinger, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Poller{
		Manual:   NewManual(false),
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
}

// Check pings once and updates the state.
func (p *Poller) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pingCtx)
	if err != nil {
		logging.Debug("Remote ping failed", map[string]interface{}{"error": err.Error()})
	}
	p.SetOnline(err == nil)
	return err == nil
}

// Start checks immediately and then on every interval until Stop or ctx ends.
func (p *Poller) Start(ctx context.Context) {
	p.Check(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for the polling goroutine to exit.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
