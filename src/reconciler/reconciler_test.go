package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/termfabric/sessionfabric/src/muxclient"
	"github.com/termfabric/sessionfabric/src/registry"
)

// writeFakeMux writes a minimal shell script standing in for the
// multiplexer binary, reporting a fixed set of live sessions (tf-alpha,
// tf-beta) plus a non-prefixed one that must be filtered out.
func writeFakeMux(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-tmux")
	script := `#!/bin/sh
case "$1" in
  list-sessions)
    if [ "$2" = "-F" ]; then
      printf 'tf-alpha\ntf-beta\nother-session\n'
    fi
    exit 0
    ;;
  has-session)
    case "$3" in
      tf-alpha|tf-beta) exit 0 ;;
      *) exit 1 ;;
    esac
    ;;
  display-message)
    echo "/tmp/workspace"
    exit 0
    ;;
esac
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake mux script: %v", err)
	}
	return path
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := registry.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRunAdoptsOrphansAndEvictsGhosts(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Now().UTC()

	// A ghost: registered but no longer live.
	if err := reg.Create(registry.Session{
		ID: "ghost-1", Name: "tf-old", WorkspacePath: "/tmp", Kind: registry.KindShell,
		Backend: registry.BackendMuxed, MuxName: "tf-old", Status: registry.StatusRunning,
		CreatedAt: now, LastActivity: now,
	}); err != nil {
		t.Fatalf("seed ghost: %v", err)
	}

	// A direct_pty session that must be downgraded to stopped.
	if err := reg.Create(registry.Session{
		ID: "direct-1", Name: "shell-1", WorkspacePath: "/tmp", Kind: registry.KindShell,
		Backend: registry.BackendDirectPTY, Status: registry.StatusRunning,
		CreatedAt: now, LastActivity: now,
	}); err != nil {
		t.Fatalf("seed direct session: %v", err)
	}

	mux := muxclient.New(writeFakeMux(t))
	rec := New(reg, mux, "tf-", testLogger())

	report, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.DowngradedDirectPTY != 1 {
		t.Errorf("DowngradedDirectPTY = %d, want 1", report.DowngradedDirectPTY)
	}
	if len(report.Adopted) != 2 {
		t.Errorf("Adopted = %v, want 2 entries", report.Adopted)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != "tf-old" {
		t.Errorf("Evicted = %v, want [tf-old]", report.Evicted)
	}

	directSession, _, err := reg.Get("direct-1")
	if err != nil {
		t.Fatalf("Get direct-1: %v", err)
	}
	if directSession.Status != registry.StatusStopped {
		t.Errorf("direct-1 status = %v, want stopped", directSession.Status)
	}

	if _, found, _ := reg.Get("ghost-1"); found {
		t.Error("expected ghost-1 to be evicted")
	}

	adoptedID := DeriveSessionID("tf-alpha")
	adopted, found, err := reg.Get(adoptedID)
	if err != nil {
		t.Fatalf("Get adopted tf-alpha: %v", err)
	}
	if !found {
		t.Fatal("expected tf-alpha to be adopted under its derived id")
	}
	if adopted.WorkspacePath != "/tmp/workspace" || adopted.Backend != registry.BackendMuxed {
		t.Errorf("adopted session = %+v", adopted)
	}
}

func TestRunStripsLegacyRecoveredSuffix(t *testing.T) {
	reg := openTestRegistry(t)
	now := time.Now().UTC()
	if err := reg.Create(registry.Session{
		ID: "s-1", Name: "work (recovered)", WorkspacePath: "/tmp", Kind: registry.KindShell,
		Backend: registry.BackendDirectPTY, Status: registry.StatusStopped,
		CreatedAt: now, LastActivity: now,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := New(reg, nil, "tf-", testLogger())
	report, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.RenamedLegacy != 1 {
		t.Errorf("RenamedLegacy = %d, want 1", report.RenamedLegacy)
	}

	s, _, _ := reg.Get("s-1")
	if s.Name != "work" {
		t.Errorf("name = %q, want %q", s.Name, "work")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	reg := openTestRegistry(t)
	mux := muxclient.New(writeFakeMux(t))
	rec := New(reg, mux, "tf-", testLogger())

	if _, err := rec.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	report, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if len(report.Adopted) != 0 {
		t.Errorf("second Run adopted %v, want none (already adopted)", report.Adopted)
	}
	if len(report.Evicted) != 0 {
		t.Errorf("second Run evicted %v, want none", report.Evicted)
	}
}

func TestDeriveSessionIDIsStable(t *testing.T) {
	a := DeriveSessionID("tf-alpha")
	b := DeriveSessionID("tf-alpha")
	if a != b {
		t.Errorf("DeriveSessionID not stable: %s != %s", a, b)
	}
	if DeriveSessionID("tf-beta") == a {
		t.Error("DeriveSessionID should differ for different names")
	}
}
