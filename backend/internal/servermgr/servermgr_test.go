package servermgr

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/appos-previewd/internal/portmgr"
)

const (
	testPortLow  = 57000
	testPortHigh = 57099
)

func newTestManager(t *testing.T, maxActive int) *Manager {
	t.Helper()
	pm, err := portmgr.New(t.TempDir(), testPortLow, testPortHigh, zerolog.Nop())
	if err != nil {
		t.Fatalf("portmgr.New: %v", err)
	}
	m := New(pm, Config{
		MaxActiveServers: maxActive,
		IdleTimeout:      time.Hour,
		ReaperInterval:   time.Hour,
		StartTimeout:     2 * time.Second,
	}, zerolog.Nop())
	t.Cleanup(m.StopAll)
	return m
}

func newProjectDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func portOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url %q: %v", rawURL, err)
	}
	return u.Port()
}

func TestURLFor_UnregisteredProjectFails(t *testing.T) {
	m := newTestManager(t, 2)
	if _, err := m.URLFor(context.Background(), "ghost", "index.html"); err != ErrRootInvalid {
		t.Errorf("URLFor unregistered = %v, want ErrRootInvalid", err)
	}
}

func TestURLFor_HappyPath(t *testing.T) {
	m := newTestManager(t, 2)
	dir := newProjectDir(t, map[string]string{"index.html": "<p>hi</p>"})

	if err := m.RegisterProjectRoot("proj1", dir); err != nil {
		t.Fatalf("RegisterProjectRoot: %v", err)
	}

	u, err := m.URLFor(context.Background(), "proj1", "index.html")
	if err != nil {
		t.Fatalf("URLFor: %v", err)
	}
	if !strings.HasPrefix(u, "http://127.0.0.1:") {
		t.Errorf("url = %q, want 127.0.0.1 host", u)
	}

	resp, err := http.Get(u)
	if err != nil {
		t.Fatalf("GET %s: %v", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestURLFor_ReusesRunningInstance(t *testing.T) {
	m := newTestManager(t, 2)
	dir := newProjectDir(t, map[string]string{"index.html": "x"})
	m.RegisterProjectRoot("proj1", dir)

	u1, err := m.URLFor(context.Background(), "proj1", "index.html")
	if err != nil {
		t.Fatalf("URLFor: %v", err)
	}
	u2, err := m.URLFor(context.Background(), "proj1", "index.html")
	if err != nil {
		t.Fatalf("URLFor: %v", err)
	}
	if portOf(t, u1) != portOf(t, u2) {
		t.Errorf("repeated URLFor used different ports: %s vs %s", u1, u2)
	}
}

func TestPool_NeverExceedsMax(t *testing.T) {
	m := newTestManager(t, 2)
	for _, id := range []string{"p1", "p2", "p3"} {
		dir := newProjectDir(t, map[string]string{"index.html": "x"})
		m.RegisterProjectRoot(id, dir)
		if _, err := m.URLFor(context.Background(), id, "index.html"); err != nil {
			t.Fatalf("URLFor(%s): %v", id, err)
		}
	}

	stats := m.Stats()
	if stats.ActiveServers > stats.MaxServers {
		t.Errorf("active servers %d exceeds max %d", stats.ActiveServers, stats.MaxServers)
	}
	if stats.ActiveServers != 2 {
		t.Errorf("active servers = %d, want 2", stats.ActiveServers)
	}
}

func TestLRUEviction_EvictsLeastRecentlyAccessed(t *testing.T) {
	m := newTestManager(t, 2)

	dir1 := newProjectDir(t, map[string]string{"index.html": "1"})
	dir2 := newProjectDir(t, map[string]string{"index.html": "2"})
	dir3 := newProjectDir(t, map[string]string{"index.html": "3"})
	m.RegisterProjectRoot("p1", dir1)
	m.RegisterProjectRoot("p2", dir2)
	m.RegisterProjectRoot("p3", dir3)

	u1, err := m.URLFor(context.Background(), "p1", "index.html")
	if err != nil {
		t.Fatalf("URLFor p1: %v", err)
	}
	if _, err := m.URLFor(context.Background(), "p2", "index.html"); err != nil {
		t.Fatalf("URLFor p2: %v", err)
	}

	// Touch p1 again so it is more recently accessed than p2.
	time.Sleep(5 * time.Millisecond)
	resp, err := http.Get(u1)
	if err != nil {
		t.Fatalf("touch p1: %v", err)
	}
	resp.Body.Close()

	time.Sleep(5 * time.Millisecond)
	if _, err := m.URLFor(context.Background(), "p3", "index.html"); err != nil {
		t.Fatalf("URLFor p3: %v", err)
	}

	stats := m.Stats()
	seen := make(map[string]bool)
	for _, e := range stats.PerProjectEntries {
		seen[e.ProjectID] = true
	}
	if seen["p2"] {
		t.Error("p2 should have been evicted, but is still in the pool")
	}
	if !seen["p1"] || !seen["p3"] {
		t.Errorf("expected p1 and p3 in pool, got %+v", seen)
	}
}

func TestStop_RemovesFromPool(t *testing.T) {
	m := newTestManager(t, 2)
	dir := newProjectDir(t, map[string]string{"index.html": "x"})
	m.RegisterProjectRoot("proj1", dir)
	m.URLFor(context.Background(), "proj1", "index.html")

	m.Stop("proj1")

	stats := m.Stats()
	if stats.ActiveServers != 0 {
		t.Errorf("active servers after Stop = %d, want 0", stats.ActiveServers)
	}
}

func TestStopAll_IdempotentSecondCallIsNoOp(t *testing.T) {
	m := newTestManager(t, 2)
	dir := newProjectDir(t, map[string]string{"index.html": "x"})
	m.RegisterProjectRoot("proj1", dir)
	m.URLFor(context.Background(), "proj1", "index.html")

	m.StopAll()
	m.StopAll() // must not panic or block
}

func TestUnregisterProjectRoot_StopsInstance(t *testing.T) {
	m := newTestManager(t, 2)
	dir := newProjectDir(t, map[string]string{"index.html": "x"})
	m.RegisterProjectRoot("proj1", dir)
	m.URLFor(context.Background(), "proj1", "index.html")

	m.UnregisterProjectRoot("proj1")

	if _, err := m.URLFor(context.Background(), "proj1", "index.html"); err != ErrRootInvalid {
		t.Errorf("URLFor after unregister = %v, want ErrRootInvalid", err)
	}
}

func TestIdleReaper_StopsIdleInstances(t *testing.T) {
	pm, err := portmgr.New(t.TempDir(), testPortLow, testPortHigh, zerolog.Nop())
	if err != nil {
		t.Fatalf("portmgr.New: %v", err)
	}
	m := New(pm, Config{
		MaxActiveServers: 5,
		IdleTimeout:      20 * time.Millisecond,
		ReaperInterval:   10 * time.Millisecond,
		StartTimeout:     2 * time.Second,
	}, zerolog.Nop())
	defer m.StopAll()

	dir := newProjectDir(t, map[string]string{"index.html": "x"})
	m.RegisterProjectRoot("proj1", dir)
	m.URLFor(context.Background(), "proj1", "index.html")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Stats().ActiveServers == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("idle instance was not reaped within 2s")
}
