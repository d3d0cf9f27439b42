package servermgr

import (
	"context"
	"time"
)

// startReaper launches the periodic idle-reaper goroutine (spec §4.3). It is
// the only mechanism that releases ports proactively; LRU eviction is purely
// capacity-driven and never runs on a timer.
func (m *Manager) startReaper() {
	ctx, cancel := context.WithCancel(context.Background())
	m.reaperCancel = cancel
	m.reaperDone = make(chan struct{})

	go func() {
		defer close(m.reaperDone)
		ticker := time.NewTicker(m.reaperInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

// reapIdle stops every instance idle longer than idleTimeout. Errors from
// individual stops are swallowed — a bad instance must not poison the pool
// (spec §7).
func (m *Manager) reapIdle() {
	now := time.Now()

	m.mu.Lock()
	var stale []string
	for id, e := range m.pool {
		if now.Sub(e.instance.LastAccessed()) > m.idleTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.Info().Str("project_id", id).Msg("reaping idle instance")
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Str("project_id", id).Msg("reaper: stop panicked, continuing")
				}
			}()
			m.stopLocked(id)
		}()
	}
}
