// Package servermgr implements the Server Manager (spec §4.3): lifecycle and
// admission control for the bounded pool of Project File Servers, including
// LRU eviction, port allocation via portmgr, and signed-URL hand-out.
//
// The pool bookkeeping (map keyed by ProjectId, a single lock serializing
// structural changes, stop-then-start-new on eviction) follows the donor's
// internal/tunnel.Registry for session bookkeeping, generalized from "one
// active SSH session per server" to "one active file server per project,
// bounded by MAX_ACTIVE_SERVERS with LRU eviction" — the donor's Registry has
// no capacity bound or eviction policy since reverse tunnels are 1:1 with
// connected servers; this package adds both.
package servermgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/websoft9/appos-previewd/internal/fileserver"
	"github.com/websoft9/appos-previewd/internal/portmgr"
)

// ErrRootInvalid is returned when a caller asks for a URL in a project that
// was never registered, or whose registered root no longer exists.
var ErrRootInvalid = errors.New("servermgr: project root invalid or unregistered")

// entry pairs a running instance with the monotonically increasing sequence
// number assigned at insertion, used to break LastAccessed ties in LRU
// eviction (spec §4.3: "ties broken by insertion order").
type entry struct {
	instance *fileserver.Instance
	seq      uint64
}

// Manager coordinates the bounded pool of Project File Servers.
type Manager struct {
	mu sync.Mutex

	roots map[string]string // projectID -> registered absolute root
	pool  map[string]*entry // projectID -> running instance
	seq   uint64

	portMgr *portmgr.Manager
	log     zerolog.Logger

	bindAddress      string
	maxActiveServers int
	idleTimeout      time.Duration
	reaperInterval   time.Duration
	startTimeout     time.Duration

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// Config bundles the tunables a Manager needs (spec §6 defaults apply when
// a field is zero).
type Config struct {
	BindAddress      string
	MaxActiveServers int
	IdleTimeout      time.Duration
	ReaperInterval   time.Duration
	StartTimeout     time.Duration
}

// New constructs a Manager backed by portMgr and starts its idle reaper.
func New(portMgr *portmgr.Manager, cfg Config, log zerolog.Logger) *Manager {
	if cfg.MaxActiveServers == 0 {
		cfg.MaxActiveServers = 10
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = 60 * time.Second
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 5 * time.Second
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1"
	}

	m := &Manager{
		roots:            make(map[string]string),
		pool:             make(map[string]*entry),
		portMgr:          portMgr,
		log:              log.With().Str("component", "servermgr").Logger(),
		bindAddress:      cfg.BindAddress,
		maxActiveServers: cfg.MaxActiveServers,
		idleTimeout:      cfg.IdleTimeout,
		reaperInterval:   cfg.ReaperInterval,
		startTimeout:     cfg.StartTimeout,
	}
	m.startReaper()
	return m
}

// RegisterProjectRoot records root as the project root for projectId. A URL
// may not be requested for a project until it is registered (spec §6 host-app
// contract item 1).
func (m *Manager) RegisterProjectRoot(projectID, absolutePath string) error {
	info, err := os.Stat(absolutePath)
	if err != nil || !info.IsDir() {
		return ErrRootInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots[projectID] = absolutePath
	m.log.Info().Str("project_id", projectID).Str("root", absolutePath).Msg("registered project root")
	return nil
}

// UnregisterProjectRoot stops any running instance for projectId and forgets
// its root.
func (m *Manager) UnregisterProjectRoot(projectID string) {
	m.stopLocked(projectID)
	m.mu.Lock()
	delete(m.roots, projectID)
	m.mu.Unlock()
}

// URLFor returns a tokenized URL to relativePath within projectId's root,
// starting a new Project File Server (evicting the LRU entry if the pool is
// full) when none is currently running.
//
// Per spec §5, reads of an already-running instance's URL hold m.mu only for
// the pool lookup and build the URL after releasing it; creating a new instance — eviction, port allocation, bind, and
// insertion — holds m.mu for the whole sequence so two concurrent misses for
// the same projectID can't both allocate a port or insert duplicate entries.
func (m *Manager) URLFor(ctx context.Context, projectID, relativePath string) (string, error) {
	m.mu.Lock()
	if e, ok := m.pool[projectID]; ok {
		inst := e.instance
		m.mu.Unlock()
		return inst.URLFor(relativePath)
	}
	m.mu.Unlock()

	inst, err := m.getOrCreateInstance(ctx, projectID)
	if err != nil {
		return "", err
	}
	return inst.URLFor(relativePath)
}

// getOrCreateInstance holds m.mu across the full create sequence: the
// existing-instance check is repeated here (another goroutine may have
// created one between URLFor's first check and this call), then eviction,
// port allocation, listener bind, and pool insertion.
func (m *Manager) getOrCreateInstance(ctx context.Context, projectID string) (*fileserver.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.pool[projectID]; ok {
		return e.instance, nil
	}

	root, registered := m.roots[projectID]
	if !registered {
		return nil, ErrRootInvalid
	}

	if len(m.pool) >= m.maxActiveServers {
		m.evictLRULocked()
	}

	port, err := m.portMgr.Allocate(projectID)
	if err != nil {
		return nil, fmt.Errorf("servermgr: allocate port: %w", err)
	}

	attemptID := uuid.NewString() // start-attempt correlation id for logs, not the access token
	m.log.Debug().Str("project_id", projectID).Str("attempt_id", attemptID).Msg("starting new instance")

	inst := fileserver.New(projectID, root, port, fileserver.GenerateAccessToken(), m.log)
	if _, err := inst.Start(ctx, m.startTimeout); err != nil {
		m.portMgr.Release(projectID)
		if errors.Is(err, fileserver.ErrRootInvalid) {
			return nil, ErrRootInvalid
		}
		return nil, err
	}

	m.seq++
	m.pool[projectID] = &entry{instance: inst, seq: m.seq}
	return inst, nil
}

// evictLRULocked stops the instance with the smallest LastAccessed, ties
// broken by insertion order (lowest seq). Callers must hold m.mu.
func (m *Manager) evictLRULocked() {
	var victimID string
	var victim *entry
	for id, e := range m.pool {
		if victim == nil {
			victimID, victim = id, e
			continue
		}
		lt := e.instance.LastAccessed()
		vt := victim.instance.LastAccessed()
		if lt.Before(vt) || (lt.Equal(vt) && e.seq < victim.seq) {
			victimID, victim = id, e
		}
	}
	if victim == nil {
		return
	}

	m.log.Info().Str("project_id", victimID).Msg("evicting LRU instance")
	_ = victim.instance.Stop()
	m.portMgr.Release(victimID)
	delete(m.pool, victimID)
}

// Stop stops and removes the running instance for projectId, if any.
func (m *Manager) Stop(projectID string) {
	m.stopLocked(projectID)
}

func (m *Manager) stopLocked(projectID string) {
	m.mu.Lock()
	e, ok := m.pool[projectID]
	if ok {
		delete(m.pool, projectID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	_ = e.instance.Stop()
	m.portMgr.Release(projectID)
	m.log.Info().Str("project_id", projectID).Msg("stopped instance")
}

// StopAll stops every running instance concurrently and halts the idle
// reaper. It does not return until every instance has completed Stop (spec
// §5 ordering guarantee 3). Calling it twice is a no-op the second time.
func (m *Manager) StopAll() {
	if m.reaperCancel != nil {
		m.reaperCancel()
		<-m.reaperDone
		m.reaperCancel = nil
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.pool))
	for id := range m.pool {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.stopLocked(id)
		}(id)
	}
	wg.Wait()
}

// Shutdown is the host-app contract's terminal call (spec §6 item 5): it
// stops everything and flushes the port mapping. The Port Manager's store
// writes synchronously on every mutation, so there is nothing left to flush
// here beyond StopAll's releases; Shutdown exists as a single named place for
// the host app to call rather than assuming that detail.
func (m *Manager) Shutdown() {
	m.StopAll()
}
