package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"alert-dispatcher/internal/logger"
)

// Manager owns the configured sources and their lifecycle.
type Manager struct {
	sources map[string]Source
	started []Source
	logger  *logger.Logger
	mu      sync.RWMutex
}

// NewManager creates a new source manager instance
func NewManager(logger *logger.Logger) *Manager {
	return &Manager{
		sources: make(map[string]Source),
		logger:  logger,
	}
}

// Add registers a source. Names must be unique.
func (m *Manager) Add(src Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sources[src.Name()]; exists {
		return fmt.Errorf("source %s already exists", src.Name())
	}
	m.sources[src.Name()] = src
	return nil
}

// Start starts every source in name order. On failure the sources started
// so far are closed again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.names() {
		src := m.sources[name]
		if err := src.Start(ctx); err != nil {
			for _, s := range m.started {
				s.Close()
			}
			m.started = nil
			return fmt.Errorf("failed to start source %s: %w", name, err)
		}
		m.started = append(m.started, src)
		m.logger.Info("source started", "source", name)
	}
	return nil
}

// Stop closes the started sources in reverse order.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.started) - 1; i >= 0; i-- {
		m.started[i].Close()
		m.logger.Info("source stopped", "source", m.started[i].Name())
	}
	m.started = nil
}

// Names returns the registered source names in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.names()
}

// GetStats returns statistics per source
func (m *Manager) GetStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.sources))
	for name, src := range m.sources {
		stats[name] = src.GetStats()
	}
	return stats
}

func (m *Manager) names() []string {
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
