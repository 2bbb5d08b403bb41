package domain

import "context"

// Handler executes one capability. It returns a structured payload on success
// or an error; errors wrapping *Error keep their kind, anything else is
// reported as HandlerError by the dispatcher.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// FieldType is the declared type of a capability argument.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
)

// Field declares one argument of a capability.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool

	// Path marks a filesystem path that must stay inside the sandbox root.
	Path bool
	// FileContent marks a path whose extension must be on the allow-list.
	FileContent bool
	// Content marks a content-bearing value subject to the byte ceiling.
	Content bool
}

// Schema is the structural description of a capability's arguments.
type Schema struct {
	Fields []Field
}

// Field returns the declared field with the given name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Capability is a named, schema-declared operation. Immutable once registered.
type Capability struct {
	Name        string
	Description string
	Schema      Schema
	Handler     Handler
}
