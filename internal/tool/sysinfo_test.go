package tool

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSystemInfoCapability_Execute(t *testing.T) {
	c := systemInfoCapability()
	if c.Name != "system_info" {
		t.Errorf("Name: got %q", c.Name)
	}
	if len(c.Schema.Fields) != 0 {
		t.Errorf("system_info takes no arguments, got %d fields", len(c.Schema.Fields))
	}

	out, err := c.Handler(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["os"] != runtime.GOOS {
		t.Errorf("os: got %v, want %q", out["os"], runtime.GOOS)
	}
	if out["cpu_count"].(int) < 1 {
		t.Errorf("cpu_count should be positive, got %v", out["cpu_count"])
	}
	if _, ok := out["memory"].(map[string]any); !ok {
		t.Errorf("memory section missing: %v", out)
	}
}

func TestReadMeminfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	content := "MemTotal:       16384 kB\nMemFree:         1024 kB\nMemAvailable:    4096 kB\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	total, avail, ok := readMeminfo(path)
	if !ok {
		t.Fatal("expected meminfo to parse")
	}
	if total != 16384*1024 || avail != 4096*1024 {
		t.Fatalf("got total=%d available=%d", total, avail)
	}
}

func TestReadMeminfo_FallsBackToFree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	if err := os.WriteFile(path, []byte("MemTotal: 2048 kB\nMemFree: 512 kB\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, avail, ok := readMeminfo(path)
	if !ok || avail != 512*1024 {
		t.Fatalf("expected MemFree fallback, got %d ok=%v", avail, ok)
	}
}

func TestReadMeminfo_Missing(t *testing.T) {
	if _, _, ok := readMeminfo(filepath.Join(t.TempDir(), "absent")); ok {
		t.Fatal("expected missing file to report !ok")
	}
}
