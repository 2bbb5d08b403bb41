package tool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relaybot/internal/domain"
	"relaybot/internal/security"
)

func newTestSandbox(t *testing.T, maxBytes int64) (sandbox, string) {
	t.Helper()
	root := t.TempDir()
	v, err := security.NewValidator(security.Policy{Root: root, MaxBytes: maxBytes})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	return sandbox{v: v}, root
}

func TestWriteThenReadFile(t *testing.T) {
	box, root := newTestSandbox(t, 0)
	ctx := context.Background()

	out, err := box.writeFile(ctx, map[string]any{"path": "notes/a.txt", "content": "hello"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if out["bytes_written"] != 5 || out["path"] != "notes/a.txt" {
		t.Fatalf("unexpected write payload: %v", out)
	}
	if _, err := os.Stat(filepath.Join(root, "notes", "a.txt")); err != nil {
		t.Fatalf("file not on disk: %v", err)
	}

	out, err = box.readFile(ctx, map[string]any{"path": "notes/a.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out["content"] != "hello" || out["size"] != 5 {
		t.Fatalf("unexpected read payload: %v", out)
	}
}

func TestWriteFile_LeavesNoTempFiles(t *testing.T) {
	box, root := newTestSandbox(t, 0)
	if _, err := box.writeFile(context.Background(), map[string]any{"path": "a.txt", "content": "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 1 || entries[0].Name() != "a.txt" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("expected only a.txt, got %v", names)
	}
}

func TestReadFile_Errors(t *testing.T) {
	box, root := newTestSandbox(t, 4)
	ctx := context.Background()
	os.WriteFile(filepath.Join(root, "big.txt"), []byte("too large"), 0o644)
	os.Mkdir(filepath.Join(root, "dir.txt"), 0o755)

	if _, err := box.readFile(ctx, map[string]any{"path": "missing.txt"}); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := box.readFile(ctx, map[string]any{"path": "dir.txt"}); err == nil || !strings.Contains(err.Error(), "not a regular file") {
		t.Fatalf("expected not a regular file, got %v", err)
	}
	if _, err := box.readFile(ctx, map[string]any{"path": "big.txt"}); !errors.Is(err, domain.ErrPayloadTooLarge) {
		t.Fatalf("expected PayloadTooLarge, got %v", err)
	}
	if _, err := box.readFile(ctx, map[string]any{"path": "big.txt", "encoding": "latin-1"}); err == nil {
		t.Fatal("expected unsupported encoding error")
	}
}

func TestResolve_RejectsSymlinkEscape(t *testing.T) {
	box, root := newTestSandbox(t, 0)
	outside := t.TempDir()
	os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644)
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := box.readFile(context.Background(), map[string]any{"path": "link/secret.txt"})
	if !errors.Is(err, domain.ErrPathTraversal) {
		t.Fatalf("expected PathTraversal, got %v", err)
	}
	// Writes through the link are refused too, even for new files.
	_, err = box.writeFile(context.Background(), map[string]any{"path": "link/new.txt", "content": "x"})
	if !errors.Is(err, domain.ErrPathTraversal) {
		t.Fatalf("expected PathTraversal on write, got %v", err)
	}
}

func TestListDir(t *testing.T) {
	box, root := newTestSandbox(t, 0)
	os.Mkdir(filepath.Join(root, "beta"), 0o755)
	os.Mkdir(filepath.Join(root, "Alpha"), 0o755)
	os.WriteFile(filepath.Join(root, "b.txt"), []byte("12"), 0o644)
	os.WriteFile(filepath.Join(root, "A.md"), []byte("1"), 0o644)

	out, err := box.listDir(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	dirs := out["directories"].([]map[string]any)
	files := out["files"].([]map[string]any)
	if len(dirs) != 2 || dirs[0]["name"] != "Alpha" || dirs[1]["name"] != "beta" {
		t.Fatalf("unexpected dirs: %v", dirs)
	}
	if len(files) != 2 || files[0]["name"] != "A.md" || files[1]["size"] != int64(2) {
		t.Fatalf("unexpected files: %v", files)
	}
	if out["total"] != 4 {
		t.Fatalf("expected total 4, got %v", out["total"])
	}
	if files[0]["permissions"] == "" || files[0]["modified"] == "" {
		t.Fatalf("expected permissions and mtime: %v", files[0])
	}
}

func TestListDir_Missing(t *testing.T) {
	box, _ := newTestSandbox(t, 0)
	if _, err := box.listDir(context.Background(), map[string]any{"path": "nope"}); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
