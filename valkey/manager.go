package valkey

import (
	"sync"

	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/logging"
)

// Manager owns one publisher per enabled server block.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex
}

// NewManager creates publishers for the enabled entries of cfgs.
func NewManager(cfgs []config.ValkeyConfig, root string) *Manager {
	m := &Manager{}
	for i := range cfgs {
		if !cfgs[i].Enabled {
			continue
		}
		m.publishers = append(m.publishers, NewPublisher(&cfgs[i], root))
	}
	return m
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.publishers {
		if p.config.Name == name {
			return p
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Publisher, len(m.publishers))
	copy(out, m.publishers)
	return out
}

// StartAll starts every publisher and returns the number that connected.
func (m *Manager) StartAll() int {
	started := 0
	for _, p := range m.List() {
		if err := p.Start(); err != nil {
			logging.DebugLog("valkey", "start %s: %v", p.config.Name, err)
			continue
		}
		logging.DebugLog("valkey", "started %s at %s", p.config.Name, p.Address())
		started++
	}
	return started
}

// StopAll stops every publisher.
func (m *Manager) StopAll() {
	for _, p := range m.List() {
		p.Stop()
	}
}
