package session

import (
	"context"
	"sync"

	"github.com/zombor/stockscan/internal/capture"
)

// Manager holds at most one open session per camera device
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Open creates and opens a session on source. It fails with a
// capture.DeviceError when the device already has a session. When the
// camera itself fails to open, the session is returned along with the
// error so manual entry can continue
func (m *Manager) Open(ctx context.Context, source capture.Source, opts Options) (*Session, error) {
	id := source.DeviceID()

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, &capture.DeviceError{Device: id, Reason: "in use by another session", Err: capture.ErrCameraUnavailable}
	}
	s := New(source, opts)
	s.onClose = func() { m.release(id, s) }
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.Open(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// get returns the open session for a device
func (m *Manager) get(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

// CloseAll closes every open session
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) release(id string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id] == s {
		delete(m.sessions, id)
	}
}
