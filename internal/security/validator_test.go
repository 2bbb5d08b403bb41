package security

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

func fileCapability() *domain.Capability {
	return &domain.Capability{
		Name: "write_file",
		Schema: domain.Schema{Fields: []domain.Field{
			{Name: "path", Type: domain.TypeString, Required: true, Path: true, FileContent: true},
			{Name: "content", Type: domain.TypeString, Required: true, Content: true},
			{Name: "limit", Type: domain.TypeInteger},
			{Name: "force", Type: domain.TypeBoolean},
		}},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) { return nil, nil },
	}
}

func newTestValidator(t *testing.T, maxBytes int64) *Validator {
	t.Helper()
	v, err := NewValidator(Policy{
		Root:              "/srv/sandbox",
		AllowedExtensions: []string{"txt", ".MD"},
		MaxBytes:          maxBytes,
	})
	require.NoError(t, err)
	return v
}

func TestNewValidator_RequiresRoot(t *testing.T) {
	_, err := NewValidator(Policy{})
	assert.Error(t, err)
}

func TestNewValidator_Defaults(t *testing.T) {
	v, err := NewValidator(Policy{Root: "/srv/sandbox"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxBytes, v.MaxBytes())
	assert.Contains(t, v.AllowedExtensions(), ".json")
}

func TestValidate_Accepts(t *testing.T) {
	v := newTestValidator(t, 64)
	err := v.Validate(fileCapability(), map[string]any{
		"path":    "notes/today.txt",
		"content": "hello",
		"limit":   3.0,
		"force":   true,
	})
	assert.NoError(t, err)
}

func TestValidate_SchemaViolations(t *testing.T) {
	v := newTestValidator(t, 64)
	cases := map[string]map[string]any{
		"missing required": {"path": "a.txt"},
		"wrong type":       {"path": 12.0, "content": "x"},
		"unknown field":    {"path": "a.txt", "content": "x", "mode": "0644"},
		"fractional int":   {"path": "a.txt", "content": "x", "limit": 1.5},
		"string as bool":   {"path": "a.txt", "content": "x", "force": "yes"},
		"null required":    {"path": nil, "content": "x"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			err := v.Validate(fileCapability(), args)
			assert.Equal(t, domain.KindSchemaViolation, domain.KindOf(err), "err=%v", err)
		})
	}
}

func TestValidate_PathTraversal(t *testing.T) {
	v := newTestValidator(t, 64)
	for _, p := range []string{"../../etc/passwd", "/etc/passwd", "notes/../../escape.txt", "/srv/sandboxed/x.txt"} {
		err := v.Validate(fileCapability(), map[string]any{"path": p, "content": "x"})
		assert.ErrorIs(t, err, domain.ErrPathTraversal, "path %q", p)
	}
}

func TestValidate_AbsolutePathInsideRoot(t *testing.T) {
	v := newTestValidator(t, 64)
	err := v.Validate(fileCapability(), map[string]any{"path": "/srv/sandbox/a/b.md", "content": "x"})
	assert.NoError(t, err)
}

func TestValidate_DisallowedExtension(t *testing.T) {
	v := newTestValidator(t, 64)
	for _, p := range []string{"run.sh", "noext", "archive.tar.gz"} {
		err := v.Validate(fileCapability(), map[string]any{"path": p, "content": "x"})
		assert.ErrorIs(t, err, domain.ErrDisallowedExtension, "path %q", p)
	}
	// Allow-list matching ignores case.
	assert.NoError(t, v.Validate(fileCapability(), map[string]any{"path": "README.TXT", "content": "x"}))
}

func TestValidate_PayloadTooLarge(t *testing.T) {
	v := newTestValidator(t, 8)
	assert.NoError(t, v.Validate(fileCapability(), map[string]any{"path": "a.txt", "content": strings.Repeat("x", 8)}))

	err := v.Validate(fileCapability(), map[string]any{"path": "a.txt", "content": strings.Repeat("x", 9)})
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)
}

func TestValidate_ShortCircuitOrder(t *testing.T) {
	v := newTestValidator(t, 1)
	big := strings.Repeat("x", 10)

	// Everything wrong: schema wins.
	err := v.Validate(fileCapability(), map[string]any{"path": "../x.sh", "content": big, "extra": 1})
	assert.Equal(t, domain.KindSchemaViolation, domain.KindOf(err))

	// Path escapes and extension is wrong: containment wins.
	err = v.Validate(fileCapability(), map[string]any{"path": "../x.sh", "content": big})
	assert.Equal(t, domain.KindPathTraversal, domain.KindOf(err))

	// Extension wrong and too large: extension wins.
	err = v.Validate(fileCapability(), map[string]any{"path": "x.sh", "content": big})
	assert.Equal(t, domain.KindDisallowedExtension, domain.KindOf(err))
}

func TestResolve(t *testing.T) {
	v := newTestValidator(t, 64)

	got, err := v.Resolve("a/./b/../c.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/sandbox", "a", "c.txt"), got)

	got, err = v.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/sandbox", got)

	_, err = v.Resolve("..")
	assert.ErrorIs(t, err, domain.ErrPathTraversal)
}

func TestNormalizeExtension(t *testing.T) {
	assert.Equal(t, ".txt", NormalizeExtension("TXT"))
	assert.Equal(t, ".md", NormalizeExtension(" .Md "))
	assert.Equal(t, "", NormalizeExtension(""))
}
