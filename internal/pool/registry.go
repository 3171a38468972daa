package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/tusqdb/tusq/internal/config"
)

// Manager is the process-wide registry mapping database alias to pool
// Pools are created lazily on first miss and live for the
// rest of the process; the registry mutex is held only for the map lookup
// and insert, never across a pool's own Checkout.
type Manager struct {
	mu          sync.Mutex
	pools       map[string]*DBPool
	onExhausted OnExhausted
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{pools: make(map[string]*DBPool)}
}

// SetOnExhausted installs a callback invoked whenever any pool's Checkout
// must wait for capacity. It must be called before any pool is created to
// apply uniformly.
func (m *Manager) SetOnExhausted(cb OnExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExhausted = cb
}

// GetOrCreate returns the pool for alias, instantiating one bound to db
// on first use.
func (m *Manager) GetOrCreate(alias string, db config.DatabaseConfig) *DBPool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[alias]; ok {
		return p
	}
	p := New(alias, db)
	p.onExhausted = m.onExhausted
	m.pools[alias] = p
	return p
}

// Resolve looks up alias in the live config snapshot and returns its pool,
// creating one on first use.
func (m *Manager) Resolve(handle *config.Handle, alias string) (*DBPool, error) {
	db, ok := handle.Load().Databases[alias]
	if !ok {
		return nil, fmt.Errorf("unknown database alias %q", alias)
	}
	return m.GetOrCreate(alias, db), nil
}

// Get returns the pool for alias without creating one.
func (m *Manager) Get(alias string) (*DBPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[alias]
	return p, ok
}

// AllStats returns a snapshot of every registered pool.
func (m *Manager) AllStats() []Stats {
	m.mu.Lock()
	pools := make([]*DBPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	stats := make([]Stats, len(pools))
	for i, p := range pools {
		stats[i] = p.Stats()
	}
	return stats
}

// Close closes every registered pool.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := make([]*DBPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*DBPool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

// StartStatsLoop runs report against every registered pool's Stats once per
// interval until stopCh is closed. The caller typically wires report to push
// each pool's occupancy into the metrics collector.
func (m *Manager) StartStatsLoop(interval time.Duration, stopCh <-chan struct{}, report func(Stats)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					report(s)
				}
			case <-stopCh:
				return
			}
		}
	}()
}
