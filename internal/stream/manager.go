package stream

import (
	"log/slog"
	"sync"

	"github.com/printdeck/printdeck/internal/config"
)

// Manager owns viewer sessions and enforces at most one active session per
// device.
type Manager struct {
	cfg     config.StreamConfig
	backend CaptureBackend
	prefs   GeometryStore
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. prefs may be nil to disable geometry
// persistence.
func NewManager(cfg config.StreamConfig, cb CaptureBackend, gs GeometryStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		backend:  cb,
		prefs:    gs,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open returns the active session for a device, creating one in the given
// mode if none exists. A previously released session is replaced.
func (m *Manager) Open(printerID string, mode Mode) *Session {
	if mode != ModeSnapshot {
		mode = ModeLive
	}

	m.mu.Lock()
	if existing, ok := m.sessions[printerID]; ok && !existing.Status().Released {
		m.mu.Unlock()
		return existing
	}
	s := newSession(printerID, mode, m.cfg, m.backend, m.prefs, m.logger)
	m.sessions[printerID] = s
	m.mu.Unlock()

	s.start()
	return s
}

// Get returns the active session for a device, if any.
func (m *Manager) Get(printerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[printerID]
	if !ok || s.Status().Released {
		return nil, false
	}
	return s, true
}

// Release releases the device's session if one exists. Releasing a device
// with no session is a no-op, keeping the operation idempotent for callers
// that fire it from multiple teardown paths.
func (m *Manager) Release(printerID string) {
	m.mu.Lock()
	s, ok := m.sessions[printerID]
	if ok {
		delete(m.sessions, printerID)
	}
	m.mu.Unlock()

	if ok {
		s.Release()
	}
}

// Shutdown releases every active session. Called on server shutdown so
// backend capture processes are not left running for dead viewers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Release()
	}
}

// ActiveCount reports how many sessions are currently held.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
