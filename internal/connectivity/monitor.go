// Package connectivity tracks whether the client can reach the network.
//
// The Monitor holds the current state and fans transitions out to listeners.
// The Prober is the signal source for a Go process: it probes a health
// endpoint on an interval and reports each result to the Monitor.
package connectivity

import (
	"log/slog"
	"sync"

	"github.com/rickgao/syncline/internal/metrics"
)

// Listener is called once per online/offline transition.
type Listener func(online bool)

// Monitor observes online/offline transitions.
type Monitor struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]Listener
	order     []int

	// notifyMu serializes notification rounds so listeners observe
	// transitions in the order they happened.
	notifyMu sync.Mutex
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(initial bool, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m.SetOnline(initial)
	return &Monitor{
		logger:    logger,
		metrics:   m,
		online:    initial,
		listeners: make(map[int]Listener),
	}
}

// IsOnline returns the current state.
func (mon *Monitor) IsOnline() bool {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.online
}

// Subscribe registers a listener. The returned function removes it; calling
// it more than once is harmless.
func (mon *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	mon.mu.Lock()
	id := mon.nextID
	mon.nextID++
	mon.listeners[id] = l
	mon.order = append(mon.order, id)
	mon.mu.Unlock()

	return func() {
		mon.mu.Lock()
		defer mon.mu.Unlock()
		if _, ok := mon.listeners[id]; !ok {
			return
		}
		delete(mon.listeners, id)
		for i, v := range mon.order {
			if v == id {
				mon.order = append(mon.order[:i], mon.order[i+1:]...)
				break
			}
		}
	}
}

// Set records a platform signal. Listeners run synchronously, in
// registration order, only when the state actually changes.
func (mon *Monitor) Set(online bool) {
	mon.notifyMu.Lock()
	defer mon.notifyMu.Unlock()

	mon.mu.Lock()
	if mon.online == online {
		mon.mu.Unlock()
		return
	}
	mon.online = online
	listeners := make([]Listener, 0, len(mon.order))
	for _, id := range mon.order {
		listeners = append(listeners, mon.listeners[id])
	}
	mon.mu.Unlock()

	mon.metrics.SetOnline(online)
	if online {
		mon.logger.Info("connectivity restored", "listeners", len(listeners))
	} else {
		mon.logger.Info("connectivity lost", "listeners", len(listeners))
	}

	for _, l := range listeners {
		l(online)
	}
}
