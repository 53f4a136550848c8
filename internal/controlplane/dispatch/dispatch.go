package dispatch

import (
	"sync"

	"github.com/VerteraIO/cpusim/internal/controlplane/units"
)

// Manager fans tick snapshots out to subscribers and remembers the latest one.
type Manager struct {
	mu     sync.Mutex
	latest *units.TickSnapshot
	subs   map[chan units.TickSnapshot]struct{}
	buffer int
}

// NewManager returns a Manager whose subscriber channels hold buffer snapshots.
func NewManager(buffer int) *Manager {
	if buffer <= 0 {
		buffer = 8
	}
	return &Manager{
		subs:   make(map[chan units.TickSnapshot]struct{}),
		buffer: buffer,
	}
}

// Publish records s as the latest snapshot and notifies subscribers.
func (m *Manager) Publish(s units.TickSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = &s
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			// drop for slow subscribers; Latest still holds it
		}
	}
}

// Latest returns the most recently published snapshot, if any.
func (m *Manager) Latest() (units.TickSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return units.TickSnapshot{}, false
	}
	return *m.latest, true
}

// Subscribe creates a snapshot subscription. Caller must call the returned cancel func.
func (m *Manager) Subscribe() (<-chan units.TickSnapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan units.TickSnapshot, m.buffer)
	m.subs[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, ch)
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (m *Manager) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
