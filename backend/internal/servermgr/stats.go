package servermgr

import "time"

// ProjectEntry describes one pool entry for observability (spec §4.3 stats).
type ProjectEntry struct {
	ProjectID      string
	Port           int
	LastAccessed   time.Time
	RequestsServed uint64
	BytesServed    uint64
}

// Stats is the read-only snapshot returned by Manager.Stats.
type Stats struct {
	ActiveServers     int
	MaxServers        int
	PerProjectEntries []ProjectEntry
}

// Stats returns a point-in-time snapshot of the pool for observability.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]ProjectEntry, 0, len(m.pool))
	for id, e := range m.pool {
		entries = append(entries, ProjectEntry{
			ProjectID:      id,
			Port:           e.instance.Port,
			LastAccessed:   e.instance.LastAccessed(),
			RequestsServed: e.instance.RequestsServed(),
			BytesServed:    e.instance.BytesServed(),
		})
	}

	return Stats{
		ActiveServers:     len(m.pool),
		MaxServers:        m.maxActiveServers,
		PerProjectEntries: entries,
	}
}
