// Package portmgr implements the Port Manager (spec §4.1): it hands out a
// loopback TCP port per ProjectId, preferring a previously persisted port so
// generated preview URLs stay stable across app restarts, and persists the
// mapping to a small on-disk JSON store.
//
// The allocation strategy (probe-bind a candidate port, fall through on
// failure, never treat a failed bind as fatal) is adapted from the donor's
// internal/tunnel.PortPool, whose AcquireOrReuse/allocatePort solve the same
// problem for reverse-tunnel ports.
package portmgr

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNoPortAvailable is returned when the configured range is exhausted.
var ErrNoPortAvailable = errors.New("portmgr: no port available in range")

// Manager allocates and persists loopback ports for project identifiers.
// It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	low   int
	high  int
	store *store
	// inUse maps each port currently held by a running instance to the
	// project holding it, distinct from the persisted mapping which survives
	// a release (spec §4.1 "release... retains the mapping").
	inUse map[int]string
	log   zerolog.Logger
}

// New constructs a Manager covering the inclusive range [low, high], whose
// persisted mapping lives under dataDir.
func New(dataDir string, low, high int, log zerolog.Logger) (*Manager, error) {
	st, err := newStore(dataDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		low:   low,
		high:  high,
		store: st,
		inUse: make(map[int]string),
		log:   log.With().Str("component", "portmgr").Logger(),
	}, nil
}

// Allocate returns a port for projectId, preferring the persisted one.
//
// If a persisted port exists and is either already held by projectId or
// binds successfully, it is reused. Otherwise
// the configured range is scanned in ascending order for the first port that
// binds; the new mapping is persisted and returned. ErrNoPortAvailable is
// returned when the range is exhausted.
func (m *Manager) Allocate(projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.store.get(projectID); ok && (m.inUse[prev] == projectID || m.bindable(prev)) {
		m.inUse[prev] = projectID
		m.log.Debug().Str("project_id", projectID).Int("port", prev).Msg("reused persisted port")
		return prev, nil
	}

	for port := m.low; port <= m.high; port++ {
		if m.inUse[port] != "" {
			continue
		}
		if !m.bindable(port) {
			continue
		}
		if err := m.store.set(projectID, port); err != nil {
			return 0, fmt.Errorf("portmgr: persist mapping: %w", err)
		}
		m.inUse[port] = projectID
		m.log.Info().Str("project_id", projectID).Int("port", port).Msg("allocated new port")
		return port, nil
	}

	return 0, ErrNoPortAvailable
}

// Release marks the port assigned to projectId as not currently in use but
// retains the mapping — a future Allocate for the same project reuses the
// same port (spec §4.1: "URL stability across app restarts is worth more
// than aggressive port reclamation").
func (m *Manager) Release(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	port, ok := m.store.get(projectID)
	if !ok {
		return
	}
	delete(m.inUse, port)
	m.log.Debug().Str("project_id", projectID).Int("port", port).Msg("released port")
}

// Lookup is a pure read of the persisted mapping.
func (m *Manager) Lookup(projectID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.get(projectID)
}

// Clear drops every persisted mapping. Intended for tests.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inUse = make(map[int]string)
	return m.store.clear()
}

// bindable reports whether port can be bound right now on the loopback
// interface. Callers must hold m.mu. A failed bind is an expected condition
// (spec §4.1 "expected, another process may hold it") — never an error.
func (m *Manager) bindable(port int) bool {
	if m.inUse[port] != "" {
		return false
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
