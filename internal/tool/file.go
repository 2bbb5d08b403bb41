package tool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/security"
)

// sandbox gives file handlers the validator's view of the root plus a
// symlink check, which the validator cannot do because it never touches disk.
type sandbox struct {
	v *security.Validator
}

// resolve maps raw onto the root and rejects paths whose existing prefix
// escapes the root through a symlink.
func (s sandbox) resolve(raw string) (string, error) {
	resolved, err := s.v.Resolve(raw)
	if err != nil {
		return "", err
	}
	root := s.v.Root()
	if real, err := filepath.EvalSymlinks(root); err == nil {
		root = real
	}
	probe := resolved
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if !security.Contains(root, real) {
				return "", domain.NewError(domain.KindPathTraversal, "path %q leaves the root through a symlink", raw)
			}
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return resolved, nil
}

func (s sandbox) rel(abs string) string {
	r, err := filepath.Rel(s.v.Root(), abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}

// --- read_file ---

func readFileCapability(s sandbox) *domain.Capability {
	return &domain.Capability{
		Name:        "read_file",
		Description: "Read a text file inside the workspace. Provide the path relative to the workspace.",
		Schema: domain.Schema{Fields: []domain.Field{
			{Name: "path", Type: domain.TypeString, Description: "File path to read (relative to the workspace)", Required: true, Path: true, FileContent: true},
			{Name: "encoding", Type: domain.TypeString, Description: "Text encoding; only utf-8 is supported"},
		}},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return s.readFile(ctx, args)
		},
	}
}

func (s sandbox) readFile(ctx context.Context, args map[string]any) (map[string]any, error) {
	if enc := strings.ToLower(ArgString(args, "encoding")); enc != "" && enc != "utf-8" && enc != "utf8" {
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
	path, err := s.resolve(ArgString(args, "path"))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file not found: %s", s.rel(path))
	}
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", s.rel(path))
	}
	if info.Size() > s.v.MaxBytes() {
		return nil, domain.NewError(domain.KindPayloadTooLarge,
			"file is %d bytes, limit is %d", info.Size(), s.v.MaxBytes())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return map[string]any{
		"path":    s.rel(path),
		"content": string(data),
		"size":    len(data),
	}, nil
}

// --- write_file ---

func writeFileCapability(s sandbox) *domain.Capability {
	return &domain.Capability{
		Name:        "write_file",
		Description: "Write content to a file inside the workspace. Creates parent directories; overwrites existing files.",
		Schema: domain.Schema{Fields: []domain.Field{
			{Name: "path", Type: domain.TypeString, Description: "File path to write (relative to the workspace)", Required: true, Path: true, FileContent: true},
			{Name: "content", Type: domain.TypeString, Description: "Content to write to the file", Required: true, Content: true},
		}},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return s.writeFile(ctx, args)
		},
	}
}

func (s sandbox) writeFile(ctx context.Context, args map[string]any) (map[string]any, error) {
	path, err := s.resolve(ArgString(args, "path"))
	if err != nil {
		return nil, err
	}
	content := ArgString(args, "content")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Readers never see a half-written file.
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("chmod file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("rename file: %w", err)
	}
	return map[string]any{
		"path":          s.rel(path),
		"bytes_written": len(content),
	}, nil
}

// --- list_dir ---

func listDirCapability(s sandbox) *domain.Capability {
	return &domain.Capability{
		Name:        "list_dir",
		Description: "List files and directories inside the workspace. Use '.' or omit path for the workspace root.",
		Schema: domain.Schema{Fields: []domain.Field{
			{Name: "path", Type: domain.TypeString, Description: "Directory path to list (relative to the workspace)", Path: true},
		}},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return s.listDir(ctx, args)
		},
	}
}

func (s sandbox) listDir(_ context.Context, args map[string]any) (map[string]any, error) {
	raw := ArgString(args, "path")
	if raw == "" {
		raw = "."
	}
	path, err := s.resolve(raw)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("directory not found: %s", s.rel(path))
	}
	if err != nil {
		return nil, fmt.Errorf("list dir: %w", err)
	}

	dirs := make([]map[string]any, 0)
	files := make([]map[string]any, 0)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		item := map[string]any{
			"name":        e.Name(),
			"modified":    info.ModTime().UTC().Format(time.RFC3339),
			"permissions": info.Mode().Perm().String(),
		}
		if e.IsDir() {
			dirs = append(dirs, item)
			continue
		}
		item["size"] = info.Size()
		files = append(files, item)
	}
	byName := func(list []map[string]any) {
		sort.SliceStable(list, func(i, j int) bool {
			return strings.ToLower(list[i]["name"].(string)) < strings.ToLower(list[j]["name"].(string))
		})
	}
	byName(dirs)
	byName(files)

	return map[string]any{
		"path":        s.rel(path),
		"directories": dirs,
		"files":       files,
		"total":       len(dirs) + len(files),
	}, nil
}
