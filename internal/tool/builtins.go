package tool

import (
	"fmt"
	"net/http"

	"relaybot/internal/domain"
	"relaybot/internal/security"
)

// BuiltinConfig carries what the built-in capabilities need.
type BuiltinConfig struct {
	// Validator supplies the sandbox root and size limit for file handlers.
	Validator *security.Validator
	// SearchEndpoint overrides the DuckDuckGo API URL (tests point it at httptest).
	SearchEndpoint string
	HTTPClient     *http.Client
	// Filter limits which built-ins are registered; nil registers all.
	Filter *Filter
}

// RegisterBuiltins registers read_file, write_file, list_dir, calculate,
// system_info and web_search, minus whatever cfg.Filter rejects.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	if cfg.Validator == nil {
		return fmt.Errorf("register builtins: validator is required")
	}
	box := sandbox{v: cfg.Validator}
	caps := cfg.Filter.Apply([]*domain.Capability{
		readFileCapability(box),
		writeFileCapability(box),
		listDirCapability(box),
		calculateCapability(),
		systemInfoCapability(),
		webSearchCapability(newSearcher(cfg.SearchEndpoint, cfg.HTTPClient)),
	})
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register builtins: %w", err)
		}
	}
	return nil
}

// BuiltinNames lists the names RegisterBuiltins can register, sorted.
func BuiltinNames() []string {
	return []string{"calculate", "list_dir", "read_file", "system_info", "web_search", "write_file"}
}
