package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/metrics"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Fs       afero.Fs
	TempRoot string
	Metrics  *metrics.Exporter
}

// Manager owns every session of the process.
type Manager struct {
	fs       afero.Fs
	tempRoot string
	metrics  *metrics.Exporter

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Manager{
		fs:       fs,
		tempRoot: cfg.TempRoot,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
	}
}

// NewID returns a fresh random session ID.
func NewID() string {
	return uuid.NewString()
}

// Get returns the session for id, creating it if needed. An empty id
// creates a session with a fresh ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.ErrSessionClosed
	}
	if id == "" {
		id = NewID()
	}

	if s, ok := m.sessions[id]; ok {
		s.Touch()
		return s, nil
	}

	s := New(id, m.fs, m.tempRoot)
	m.sessions[id] = s
	m.metrics.SetSessions(len(m.sessions))
	return s, nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Remove closes and forgets one session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.metrics.SetSessions(len(m.sessions))
	m.mu.Unlock()

	if ok {
		s.Close()
	}
}

// ExpireIdle closes sessions not seen for longer than maxIdle and returns
// how many were closed.
func (m *Manager) ExpireIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.metrics.SetSessions(len(m.sessions))
	m.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		log.Info("expired idle sessions", "count", len(idle))
	}
	return len(idle)
}

// Shutdown closes every session. Later Get calls fail with
// ErrSessionClosed. Shutdown is idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.metrics.SetSessions(0)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	log.Debug("sessions closed", "count", len(sessions))
}
