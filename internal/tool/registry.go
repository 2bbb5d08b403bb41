package tool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"relaybot/internal/domain"
)

// Registry holds the closed set of capabilities. Registration happens at
// startup; after Seal the registry is read-only and lookups take no lock.
type Registry struct {
	mu     sync.Mutex
	sealed atomic.Bool
	caps   map[string]*domain.Capability
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		caps:   make(map[string]*domain.Capability),
		logger: logger,
	}
}

// Register adds c under its name. It fails with DuplicateCapability when the
// name is taken and refuses any registration once the registry is sealed.
func (r *Registry) Register(c *domain.Capability) error {
	if c == nil || c.Name == "" {
		return domain.NewError(domain.KindSchemaViolation, "capability name is empty")
	}
	if c.Handler == nil {
		return domain.NewError(domain.KindSchemaViolation, "capability %q has no handler", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return fmt.Errorf("register %q: registry is sealed", c.Name)
	}
	if _, exists := r.caps[c.Name]; exists {
		return domain.NewError(domain.KindDuplicateCapability, "capability %q already registered", c.Name)
	}

	stored := *c
	stored.Schema.Fields = append([]domain.Field(nil), c.Schema.Fields...)
	r.caps[c.Name] = &stored
	r.logger.Debug("registered capability", "name", c.Name)
	return nil
}

// MustRegister registers c and panics on error. For static startup wiring.
func (r *Registry) MustRegister(c *domain.Capability) {
	if err := r.Register(c); err != nil {
		panic(fmt.Sprintf("register capability: %v", err))
	}
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

// Lookup returns the registered definition. Every call for the same name
// returns the same pointer.
func (r *Registry) Lookup(name string) (*domain.Capability, error) {
	var (
		c  *domain.Capability
		ok bool
	)
	if r.sealed.Load() {
		c, ok = r.caps[name]
	} else {
		r.mu.Lock()
		c, ok = r.caps[name]
		r.mu.Unlock()
	}
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "capability %q is not registered", name)
	}
	return c, nil
}

// Capabilities returns every definition sorted by name.
func (r *Registry) Capabilities() []*domain.Capability {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	caps := make([]*domain.Capability, 0, len(r.caps))
	for _, c := range r.caps {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}

func (r *Registry) Names() []string {
	caps := r.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.Name
	}
	return names
}

// Parameters renders a schema as a JSON Schema "parameters" object for model
// backends.
func Parameters(schema domain.Schema) map[string]any {
	props := make(map[string]any, len(schema.Fields))
	required := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		props[f.Name] = map[string]any{"type": string(f.Type), "description": f.Description}
		if f.Required {
			required = append(required, f.Name)
		}
	}
	params := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return params
}

// ArgString returns args[key] as a string. Non-string values are JSON encoded.
func ArgString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ArgInt returns args[key] as an int, or def when absent or not integral.
func ArgInt(args map[string]any, key string, def int) int {
	if args == nil {
		return def
	}
	switch n := args[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n == math.Trunc(n) {
			return int(n)
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}
