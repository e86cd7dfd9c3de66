package session

import (
	"sync"
)

// Manager owns at most one live session per tenant. It is created at
// application startup, injected wherever publishing is needed, and torn
// down at shutdown.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: map[string]*Session{}}
}

// EnsureRunning returns the tenant's running session. A session with a
// structurally different config is stopped fully before the replacement is
// constructed, so a tenant never has two live connections. Returns nil when
// the config has no broker host or the connection cannot be established.
func (m *Manager) EnsureRunning(tenant string, config Config, handler Handler) *Session {
	if config.Host == "" {
		return nil
	}

	m.mu.Lock()
	current := m.sessions[tenant]
	if current != nil && current.Config() != config {
		current.Stop()
		delete(m.sessions, tenant)
		current = nil
	}
	if current == nil {
		current = NewSession(tenant, config, handler)
		m.sessions[tenant] = current
	}
	m.mu.Unlock()

	if !current.Start() {
		return nil
	}
	return current
}

// Get returns the tenant's session without starting it, or nil.
func (m *Manager) Get(tenant string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[tenant]
}

// StopAll gracefully stops every session. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tenant, s := range m.sessions {
		s.Stop()
		delete(m.sessions, tenant)
	}
}
