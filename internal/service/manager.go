package service

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manager keeps one runtime per account email so command serialisation
// holds across every caller touching the same cloud session.
type Manager struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
	logger   zerolog.Logger
}

// NewManager creates an empty runtime registry.
func NewManager() *Manager {
	return &Manager{
		runtimes: make(map[string]*Runtime),
		logger:   log.With().Str("component", "service").Logger(),
	}
}

// Get returns the runtime registered for an account.
func (m *Manager) Get(account string) (*Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runtime, ok := m.runtimes[account]
	return runtime, ok
}

// Register stores a runtime, replacing and closing any previous one
// for the same account.
func (m *Manager) Register(account string, runtime *Runtime) {
	m.mu.Lock()
	previous := m.runtimes[account]
	m.runtimes[account] = runtime
	m.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			m.logger.Error().Err(err).Str("account", account).Msg("Failed to close replaced runtime")
		}
	}
}

// Remove unregisters and closes an account's runtime.
func (m *Manager) Remove(account string) {
	m.mu.Lock()
	runtime := m.runtimes[account]
	delete(m.runtimes, account)
	m.mu.Unlock()

	if runtime != nil {
		if err := runtime.Close(); err != nil {
			m.logger.Error().Err(err).Str("account", account).Msg("Failed to close runtime")
		}
	}
}

// Count returns the number of registered runtimes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runtimes)
}

// Close tears down every registered runtime.
func (m *Manager) Close() {
	m.mu.Lock()
	runtimes := m.runtimes
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()

	for account, runtime := range runtimes {
		if err := runtime.Close(); err != nil {
			m.logger.Error().Err(err).Str("account", account).Msg("Failed to close runtime")
		}
	}
}
