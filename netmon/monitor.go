// Package netmon tracks whether the server is reachable and fires
// edge-triggered callbacks on transitions.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/huykn/offline-sync/cache"
)

// Options configures a Monitor.
type Options struct {
	// Prober seeds and refreshes the state. Nil leaves the monitor driven
	// only by SetOnline.
	Prober Prober

	// Interval between probes in Run. Defaults to 15s.
	Interval time.Duration

	// InitialOnline is the state assumed before the first probe.
	InitialOnline bool

	Logger    cache.Logger
	DebugMode bool
	Clock     clock.Clock
}

// Monitor holds the current online state. Callbacks run synchronously on
// the goroutine that observed the transition, outside the monitor's lock.
type Monitor struct {
	opts Options

	mu          sync.RWMutex
	online      bool
	sawOffline  bool
	onOnline    []func()
	onOffline   []func()
	onReconnect []func()
}

// New creates a monitor.
func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Monitor{
		opts:       opts,
		online:     opts.InitialOnline,
		sawOffline: !opts.InitialOnline,
	}
}

// IsOnline reports the last observed state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnOnline registers fn for offline to online transitions.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// OnOffline registers fn for online to offline transitions.
func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = append(m.onOffline, fn)
}

// OnReconnect registers fn to run once per return to online after an
// observed offline period. The sync engine drains from here.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// SetOnline records a new state and fires callbacks if it changed.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	var fire []func()
	if online {
		fire = append(fire, m.onOnline...)
		if m.sawOffline {
			fire = append(fire, m.onReconnect...)
		}
		m.sawOffline = false
	} else {
		m.sawOffline = true
		fire = append(fire, m.onOffline...)
	}
	m.mu.Unlock()

	if m.opts.DebugMode {
		m.opts.Logger.Debug("SetOnline: connectivity changed", "online", online)
	}
	for _, fn := range fire {
		fn()
	}
}

// Probe asks the prober once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.opts.Prober == nil {
		return m.IsOnline()
	}
	online := m.opts.Prober.Probe(ctx)
	if ctx.Err() != nil {
		return m.IsOnline()
	}
	m.SetOnline(online)
	return online
}

// Run probes immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.opts.Prober == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.opts.Clock.After(m.opts.Interval):
		}
	}
}
