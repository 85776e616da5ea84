package quota

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string, size int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDirectorySize(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.bin", 100)
	writeFile(t, dir, "b.bin", 250)

	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, sub, "c.bin", 50)

	got, err := DirectorySize(dir)
	if err != nil {
		t.Fatalf("DirectorySize: %v", err)
	}
	if got != 400 {
		t.Errorf("expected 400 bytes, got %d", got)
	}
}

func TestDirectorySizeExcludesSidecar(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "data.bin", 100)
	writeFile(t, dir, ConfigFileName, 999)

	got, err := DirectorySize(dir)
	if err != nil {
		t.Fatalf("DirectorySize: %v", err)
	}
	if got != 100 {
		t.Errorf("sidecar counted toward usage: got %d, want 100", got)
	}
}

func TestCheckCapacity(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "existing.bin", 600)

	cases := []struct {
		name      string
		quota     uint64
		requested uint64
		want      bool
	}{
		{"fits", 1000, 300, true},
		{"exact boundary", 1000, 400, true},
		{"one byte over", 1000, 401, false},
		{"zero request fits", 1000, 0, true},
		{"zero request overfull", 500, 0, false},
	}
	for _, tc := range cases {
		ok, err := CheckCapacity(dir, tc.quota, tc.requested)
		if err != nil {
			t.Fatalf("%s: CheckCapacity: %v", tc.name, err)
		}
		if ok != tc.want {
			t.Errorf("%s: CheckCapacity(quota=%d, req=%d) = %v, want %v",
				tc.name, tc.quota, tc.requested, ok, tc.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		n    uint64
		want string
	}{
		{0, "0 Bytes"},
		{1, "1 Bytes"},
		{512, "512 Bytes"},
		{1023, "1023 Bytes"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1048576, "1.00 MB"},
		{12938936, "12.34 MB"},
		{1073741824, "1.00 GB"},
		{1099511627776, "1.00 TB"},
	}
	for _, tc := range cases {
		if got := FormatBytes(tc.n); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}
