package tool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"relaybot/internal/domain"
)

func stubCapability(name string) *domain.Capability {
	return &domain.Capability{
		Name:        name,
		Description: "stub: " + name,
		Schema: domain.Schema{Fields: []domain.Field{
			{Name: "q", Type: domain.TypeString, Required: true},
		}},
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry(testLogger())
	if err := reg.Register(stubCapability("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.Lookup("echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name != "echo" {
		t.Fatalf("expected 'echo', got %q", got.Name)
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	reg := NewRegistry(testLogger())
	_, err := reg.Lookup("nonexistent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry(testLogger())
	if err := reg.Register(stubCapability("dup")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := reg.Register(stubCapability("dup"))
	if !errors.Is(err, domain.ErrDuplicateCapability) {
		t.Fatalf("expected DuplicateCapability, got %v", err)
	}
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	reg := NewRegistry(testLogger())
	if err := reg.Register(&domain.Capability{Name: ""}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := reg.Register(&domain.Capability{Name: "nohandler"}); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestRegistry_SealBlocksRegistration(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.MustRegister(stubCapability("a"))
	reg.Seal()

	if !reg.Sealed() {
		t.Fatal("expected sealed registry")
	}
	if err := reg.Register(stubCapability("b")); err == nil {
		t.Fatal("expected error registering after seal")
	}
}

func TestRegistry_LookupIsIdempotent(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.MustRegister(stubCapability("same"))
	reg.Seal()

	first, err := reg.Lookup("same")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := reg.Lookup("same")
			if err != nil || got != first {
				t.Errorf("lookup returned a different definition: %p vs %p (%v)", got, first, err)
			}
		}()
	}
	wg.Wait()
}

func TestRegistry_RegisterCopiesDefinition(t *testing.T) {
	reg := NewRegistry(testLogger())
	c := stubCapability("copy")
	reg.MustRegister(c)

	c.Description = "mutated"
	c.Schema.Fields[0].Name = "mutated"

	got, _ := reg.Lookup("copy")
	if got.Description == "mutated" || got.Schema.Fields[0].Name == "mutated" {
		t.Fatal("registered definition must not change when the caller's value does")
	}
}

func TestRegistry_CapabilitiesSorted(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.MustRegister(stubCapability("beta"))
	reg.MustRegister(stubCapability("alpha"))

	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("unexpected names: %v", names)
	}
}

// --- Parameters ---

func TestParameters_WithRequired(t *testing.T) {
	params := Parameters(domain.Schema{Fields: []domain.Field{
		{Name: "name", Type: domain.TypeString, Description: "The name", Required: true},
		{Name: "age", Type: domain.TypeInteger, Description: "The age in years"},
	}})

	if params["type"] != "object" {
		t.Fatal("expected type=object")
	}
	props := params["properties"].(map[string]any)
	if len(props) != 2 {
		t.Fatalf("expected 2 properties, got %d", len(props))
	}
	nameParam := props["name"].(map[string]any)
	if nameParam["description"] != "The name" {
		t.Fatalf("expected 'The name', got %q", nameParam["description"])
	}
	required := params["required"].([]string)
	if len(required) != 1 || required[0] != "name" {
		t.Fatalf("unexpected required: %v", required)
	}
}

func TestParameters_NoRequired(t *testing.T) {
	params := Parameters(domain.Schema{Fields: []domain.Field{
		{Name: "query", Type: domain.TypeString},
	}})
	if _, ok := params["required"]; ok {
		t.Fatal("should not have 'required' key when nothing is required")
	}
}

// --- Arg helpers ---

func TestArgString(t *testing.T) {
	if got := ArgString(map[string]any{"key": "value"}, "key"); got != "value" {
		t.Fatalf("expected 'value', got %q", got)
	}
	if got := ArgString(map[string]any{"other": "value"}, "key"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := ArgString(nil, "key"); got != "" {
		t.Fatalf("expected empty for nil args, got %q", got)
	}
	if got := ArgString(map[string]any{"num": 42.0}, "num"); got != "42" {
		t.Fatalf("expected '42', got %q", got)
	}
}

func TestArgInt(t *testing.T) {
	args := map[string]any{"f": 3.0, "i": 4, "frac": 1.5}
	if got := ArgInt(args, "f", 0); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := ArgInt(args, "i", 0); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	if got := ArgInt(args, "frac", 9); got != 9 {
		t.Fatalf("expected default for fractional, got %d", got)
	}
	if got := ArgInt(args, "missing", 7); got != 7 {
		t.Fatalf("expected default, got %d", got)
	}
}
