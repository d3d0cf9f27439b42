package portmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// storeFile is the name of the namespaced JSON document colocated with the
// application's other persisted settings (spec §6 "Persisted state layout").
const storeFile = "previewd_ports.json"

// document is the on-disk shape: { "ports": { "<projectId>": <port> } }.
type document struct {
	Ports map[string]int `json:"ports"`
}

// store is a small synchronous JSON-file key-value store. It mirrors the
// donor's "read-or-generate-then-persist" idiom used for the tunnel host key
// (internal/tunnel/server.go: loadOrGenerateHostKey) — read tolerates a
// missing file, writes are synchronous, and the whole file is rewritten on
// every mutation since the document is tiny.
type store struct {
	mu   sync.Mutex
	path string
	doc  document
}

// newStore loads path if it exists, treating a missing file as an empty
// mapping (spec §4.1 "readers tolerate a missing file by treating it as empty").
func newStore(dataDir string) (*store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("portmgr: create data dir: %w", err)
	}

	s := &store{
		path: filepath.Join(dataDir, storeFile),
		doc:  document{Ports: make(map[string]int)},
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("portmgr: read %s: %w", s.path, err)
	}

	if len(data) == 0 {
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("portmgr: parse %s: %w", s.path, err)
	}
	if doc.Ports == nil {
		doc.Ports = make(map[string]int)
	}
	s.doc = doc
	return s, nil
}

// get returns the persisted port for projectId, or (0, false).
func (s *store) get(projectID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.doc.Ports[projectID]
	return p, ok
}

// set persists port for projectId, writing the whole document synchronously.
func (s *store) set(projectID string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Ports[projectID] = port
	return s.flushLocked()
}

// clear drops every mapping and persists the empty document.
func (s *store) clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Ports = make(map[string]int)
	return s.flushLocked()
}

// flushLocked rewrites the store file. Callers must hold s.mu.
func (s *store) flushLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("portmgr: marshal store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("portmgr: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("portmgr: rename %s: %w", tmp, err)
	}
	return nil
}
