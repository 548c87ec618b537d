package call

import (
	"context"
	"sync"
)

// Manager enforces the one-active-call rule for a client. Starting a new call
// ends any call already running; stopping with no active call is a no-op, not
// an error.
type Manager struct {
	newSession func() (*Session, error)

	mu     sync.Mutex
	active *Session
}

// NewManager creates a manager that builds sessions with newSession.
func NewManager(newSession func() (*Session, error)) *Manager {
	return &Manager{newSession: newSession}
}

// Start ends the currently active session, if any, then creates and starts a
// fresh one.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.active.End()
		m.active = nil
	}

	s, err := m.newSession()
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	m.active = s
	return s, nil
}

// Stop ends the active session. Calling it with nothing active does nothing.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return
	}
	m.active.End()
	m.active = nil
}

// Active returns the running session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
