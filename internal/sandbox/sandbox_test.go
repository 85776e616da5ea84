package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := New(t.TempDir(), 1<<30)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{".", ""},
		{"/", ""},
		{"docs", "docs"},
		{"  docs  ", "docs"},
		{"/docs/", "docs"},
		{"docs/reports", "docs/reports"},
		{"docs\\reports", "docs/reports"},
		{"../etc/passwd", "etc/passwd"},
		{"../../etc", "etc"},
		{"docs/../../../etc", "etc"},
		{"docs/./reports", "docs/reports"},
		{"..", ""},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveStaysWithinRoot(t *testing.T) {
	s := newTestSandbox(t)

	attempts := []string{
		"../outside",
		"../../etc/passwd",
		"docs/../../outside",
		"..\\..\\windows",
		"/etc/passwd",
	}
	for _, in := range attempts {
		dir, err := s.Resolve(in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", in, err)
		}
		if !strings.HasPrefix(dir, s.Root()) {
			t.Errorf("Resolve(%q) = %q escapes root %q", in, dir, s.Root())
		}
	}
}

func TestLocateDoesNotCreate(t *testing.T) {
	s := newTestSandbox(t)

	dir, err := s.Locate("phantom")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if want := filepath.Join(s.Root(), "phantom"); dir != want {
		t.Errorf("Locate = %q, want %q", dir, want)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("Locate created the directory: %v", err)
	}
	if !strings.HasPrefix(mustLocate(t, s, "../outside"), s.Root()) {
		t.Error("Locate escaped the root")
	}
}

func mustLocate(t *testing.T, s *Sandbox, id string) string {
	t.Helper()
	dir, err := s.Locate(id)
	if err != nil {
		t.Fatalf("Locate(%q): %v", id, err)
	}
	return dir
}

func TestResolveRejectsNulByte(t *testing.T) {
	s := newTestSandbox(t)
	if _, err := s.Resolve("docs\x00evil"); !errors.Is(err, ErrEscape) {
		t.Fatalf("expected ErrEscape for NUL byte, got %v", err)
	}
}

func TestResolveFile(t *testing.T) {
	s := newTestSandbox(t)

	got, err := s.ResolveFile("docs/reports", "q1.pdf")
	if err != nil {
		t.Fatalf("ResolveFile: %v", err)
	}
	want := filepath.Join(s.Root(), "docs", "reports", "q1.pdf")
	if got != want {
		t.Errorf("ResolveFile = %q, want %q", got, want)
	}

	// Traversal in the name must not climb out of the directory.
	got, err = s.ResolveFile("docs", "../../secret")
	if err != nil {
		t.Fatalf("ResolveFile traversal: %v", err)
	}
	if !strings.HasPrefix(got, s.Root()) {
		t.Errorf("ResolveFile traversal escaped root: %q", got)
	}
}

func TestLoadOrCreateConfig(t *testing.T) {
	s := newTestSandbox(t)

	cfg, err := s.LoadOrCreateConfig("alice", &ConfigOptions{Password: "secret"})
	if err != nil {
		t.Fatalf("LoadOrCreateConfig: %v", err)
	}
	if cfg.ID != "alice" {
		t.Errorf("expected id alice, got %q", cfg.ID)
	}
	if cfg.MaxSizeBytes != 1<<30 {
		t.Errorf("expected default quota %d, got %d", int64(1<<30), cfg.MaxSizeBytes)
	}
	if !CheckPassword(cfg, "secret") {
		t.Error("password does not verify against its own hash")
	}
	if CheckPassword(cfg, "wrong") {
		t.Error("wrong password verified")
	}

	// Sidecar must exist on disk.
	if _, err := os.Stat(filepath.Join(cfg.Path, ConfigFileName)); err != nil {
		t.Fatalf("sidecar config missing: %v", err)
	}

	// Second load returns the persisted config, not a fresh one.
	again, err := s.LoadOrCreateConfig("alice", nil)
	if err != nil {
		t.Fatalf("second LoadOrCreateConfig: %v", err)
	}
	if again.PasswordHash != cfg.PasswordHash {
		t.Error("password hash changed on reload")
	}
	if !again.CreatedAt.Equal(cfg.CreatedAt) {
		t.Errorf("createdAt changed on reload: %v vs %v", again.CreatedAt, cfg.CreatedAt)
	}
}

func TestLoadOrCreateConfigUpdatesQuota(t *testing.T) {
	s := newTestSandbox(t)

	if _, err := s.LoadOrCreateConfig("bob", &ConfigOptions{Password: "pw"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	cfg, err := s.LoadOrCreateConfig("bob", &ConfigOptions{MaxSizeBytes: 512 << 20})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.MaxSizeBytes != 512<<20 {
		t.Errorf("quota not updated: got %d", cfg.MaxSizeBytes)
	}

	dir, _ := s.Resolve("bob")
	stored, err := s.ReadConfig(dir)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if stored.MaxSizeBytes != 512<<20 {
		t.Errorf("quota update not persisted: got %d", stored.MaxSizeBytes)
	}
}

func TestConfigPasswordHashInheritance(t *testing.T) {
	s := newTestSandbox(t)

	parent, err := s.LoadOrCreateConfig("carol", &ConfigOptions{Password: "family-secret"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child, err := s.LoadOrCreateConfig("carol/photos", &ConfigOptions{
		PasswordHash: parent.PasswordHash,
		MaxSizeBytes: 256 << 20,
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if child.PasswordHash != parent.PasswordHash {
		t.Error("child did not inherit parent hash")
	}
	if !CheckPassword(child, "family-secret") {
		t.Error("parent password does not open child folder")
	}
}

func TestReadConfigMissing(t *testing.T) {
	s := newTestSandbox(t)
	dir, err := s.Resolve("empty")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	cfg, err := s.ReadConfig(dir)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config for missing sidecar, got %+v", cfg)
	}
}
