package hub

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/backend"
	"github.com/termfabric/sessionfabric/src/metrics"
	"github.com/termfabric/sessionfabric/src/registry"
)

// Manager owns the set of per-session Hubs, creating them lazily and
// dropping them once DEAD — generalized from the teacher's
// SessionManager (GetOrCreate/Remove/cleanupLoop), split from the single
// global singleton into an explicit instance owned by cmd/sessiond's
// wiring rather than a package-level sync.Once.
type Manager struct {
	adapter    *backend.Adapter
	resolve    SpecResolver
	reg        *registry.Registry
	log        *logrus.Entry
	scrollback int

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewManager constructs a Manager. scrollback is the per-session ring
// capacity in chunks (§6.3 "maximum scrollback entries").
func NewManager(adapter *backend.Adapter, resolve SpecResolver, reg *registry.Registry, log *logrus.Entry, scrollback int) *Manager {
	return &Manager{
		adapter:    adapter,
		resolve:    resolve,
		reg:        reg,
		log:        log,
		scrollback: scrollback,
		hubs:       make(map[string]*Hub),
	}
}

// GetOrCreate returns the Hub for id, creating a DORMANT one if absent.
func (m *Manager) GetOrCreate(id string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[id]; ok {
		return h
	}
	h := newHub(id, m.adapter, m.resolve, m.reg, m.log, m.remove, m.scrollback)
	m.hubs[id] = h
	metrics.Get().HubsActive.Set(float64(len(m.hubs)))
	return h
}

// Get returns the Hub for id if one currently exists (without creating one).
func (m *Manager) Get(id string) (*Hub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[id]
	return h, ok
}

// Kill kills the Hub for id, if one exists. No-op (not an error) if absent.
func (m *Manager) Kill(id string) {
	m.mu.Lock()
	h, ok := m.hubs[id]
	m.mu.Unlock()
	if ok {
		h.Kill()
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.hubs, id)
	count := len(m.hubs)
	m.mu.Unlock()
	metrics.Get().HubsActive.Set(float64(count))
}

// Count returns the number of Hubs currently tracked, for metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}
