package security

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"relaybot/internal/domain"
)

// DefaultMaxBytes is the content ceiling used when a policy sets none (10 MiB).
const DefaultMaxBytes int64 = 10 * 1024 * 1024

// DefaultAllowedExtensions is used when a policy sets no allow-list.
var DefaultAllowedExtensions = []string{".txt", ".py", ".md", ".json", ".yaml", ".yml"}

// Policy configures the validator.
type Policy struct {
	Root              string
	AllowedExtensions []string
	MaxBytes          int64
}

// Validator checks invocation arguments against a capability's schema and the
// sandbox policy. It never touches the filesystem.
type Validator struct {
	root     string
	exts     map[string]bool
	maxBytes int64
}

// NewValidator builds a validator. The root is made absolute once, here.
func NewValidator(p Policy) (*Validator, error) {
	if strings.TrimSpace(p.Root) == "" {
		return nil, fmt.Errorf("security policy: root directory is required")
	}
	root, err := filepath.Abs(filepath.Clean(p.Root))
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	exts := p.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultAllowedExtensions
	}
	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	v := &Validator{root: root, exts: make(map[string]bool, len(exts)), maxBytes: maxBytes}
	for _, e := range exts {
		v.exts[NormalizeExtension(e)] = true
	}
	return v, nil
}

// Root returns the absolute sandbox root.
func (v *Validator) Root() string { return v.root }

// MaxBytes returns the configured content ceiling.
func (v *Validator) MaxBytes() int64 { return v.maxBytes }

// AllowedExtensions returns the normalised allow-list, sorted.
func (v *Validator) AllowedExtensions() []string {
	out := make([]string, 0, len(v.exts))
	for e := range v.exts {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// NormalizeExtension lowercases ext and ensures a leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Validate runs, in order, schema conformance, path containment, the
// extension allow-list and the size ceiling, stopping at the first failure.
// The returned error is always a *domain.Error.
func (v *Validator) Validate(c *domain.Capability, args map[string]any) error {
	if err := checkSchema(c.Schema, args); err != nil {
		return err
	}

	resolved := make(map[string]string)
	for _, f := range c.Schema.Fields {
		if !f.Path {
			continue
		}
		raw, ok := args[f.Name].(string)
		if !ok {
			continue
		}
		p, err := v.Resolve(raw)
		if err != nil {
			return err
		}
		resolved[f.Name] = p
	}

	for _, f := range c.Schema.Fields {
		if !f.FileContent {
			continue
		}
		p, ok := resolved[f.Name]
		if !ok {
			continue
		}
		ext := strings.ToLower(filepath.Ext(p))
		if !v.exts[ext] {
			return domain.NewError(domain.KindDisallowedExtension,
				"field %q: extension %q is not allowed", f.Name, ext)
		}
	}

	for _, f := range c.Schema.Fields {
		if !f.Content {
			continue
		}
		s, ok := args[f.Name].(string)
		if !ok {
			continue
		}
		if int64(len(s)) > v.maxBytes {
			return domain.NewError(domain.KindPayloadTooLarge,
				"field %q: %d bytes exceeds limit of %d", f.Name, len(s), v.maxBytes)
		}
	}
	return nil
}

// Resolve maps path onto the sandbox: relative paths are joined to the root,
// absolute paths are taken as given, and the cleaned result must not escape
// the root. Resolution is purely lexical.
func (v *Validator) Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(v.root, path)
	}
	resolved := filepath.Clean(path)
	if !Contains(v.root, resolved) {
		return "", domain.NewError(domain.KindPathTraversal, "path %q is outside %q", resolved, v.root)
	}
	return resolved, nil
}

// Contains reports whether path is root or lies beneath it. Both must be
// clean absolute paths.
func Contains(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

func checkSchema(schema domain.Schema, args map[string]any) error {
	for name := range args {
		if _, ok := schema.Field(name); !ok {
			return domain.NewError(domain.KindSchemaViolation, "unknown field %q", name)
		}
	}
	for _, f := range schema.Fields {
		val, present := args[f.Name]
		if !present || val == nil {
			if f.Required {
				return domain.NewError(domain.KindSchemaViolation, "missing required field %q", f.Name)
			}
			continue
		}
		if !matchesType(f.Type, val) {
			return domain.NewError(domain.KindSchemaViolation,
				"field %q: expected %s, got %T", f.Name, f.Type, val)
		}
	}
	return nil
}

func matchesType(t domain.FieldType, val any) bool {
	switch t {
	case domain.TypeString:
		_, ok := val.(string)
		return ok
	case domain.TypeBoolean:
		_, ok := val.(bool)
		return ok
	case domain.TypeInteger:
		switch n := val.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n) && !math.IsInf(n, 0)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case domain.TypeNumber:
		switch n := val.(type) {
		case int, int32, int64, float32:
			return true
		case float64:
			return !math.IsNaN(n)
		case json.Number:
			_, err := n.Float64()
			return err == nil
		}
		return false
	}
	return false
}
