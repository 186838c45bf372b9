package kafka

import (
	"context"
	"sync"

	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/logging"
)

// Manager owns one producer per enabled cluster block.
type Manager struct {
	producers []*Producer
	mu        sync.RWMutex
}

// NewManager creates producers for the enabled entries of cfgs.
func NewManager(cfgs []config.KafkaConfig, root string) *Manager {
	m := &Manager{}
	for i := range cfgs {
		if !cfgs[i].Enabled {
			continue
		}
		m.producers = append(m.producers, NewProducer(&cfgs[i], root))
	}
	return m
}

// Get returns a producer by name.
func (m *Manager) Get(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.producers {
		if p.config.Name == name {
			return p
		}
	}
	return nil
}

// List returns all producers.
func (m *Manager) List() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Producer, len(m.producers))
	copy(out, m.producers)
	return out
}

// ConnectAll connects every producer and returns the number that succeeded.
func (m *Manager) ConnectAll(ctx context.Context) int {
	n := 0
	for _, p := range m.List() {
		if err := p.Connect(ctx); err != nil {
			logging.DebugLog("kafka", "connect %s: %v", p.config.Name, err)
			continue
		}
		n++
	}
	return n
}

// DisconnectAll closes every producer.
func (m *Manager) DisconnectAll() {
	for _, p := range m.List() {
		p.Disconnect()
	}
}
