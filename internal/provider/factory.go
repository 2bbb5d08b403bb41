package provider

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

const (
	moonshotDefaultBase  = "https://api.moonshot.cn/v1"
	moonshotDefaultModel = "kimi-latest"
)

// Constructor creates a backend from a config entry.
type Constructor func(bc config.BackendConfig, prompt PromptConfig, logger *slog.Logger) (domain.Backend, error)

// Factory creates backends from config.
type Factory struct {
	prompt       PromptConfig
	logger       *slog.Logger
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory creates a backend factory with the built-in constructors registered.
func NewFactory(prompt PromptConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		prompt:       prompt,
		logger:       logger,
		constructors: make(map[string]Constructor),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a backend constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func timeoutOf(bc config.BackendConfig) time.Duration {
	return time.Duration(bc.TimeoutSeconds) * time.Second
}

func (f *Factory) registerDefaults() {
	f.constructors["ollama"] = func(bc config.BackendConfig, prompt PromptConfig, logger *slog.Logger) (domain.Backend, error) {
		return NewOllama(OllamaConfig{
			APIBase:     bc.APIBase,
			Model:       bc.Model,
			Temperature: bc.Temperature,
			Prompt:      prompt,
			Client:      SharedHTTPClient(timeoutOf(bc)),
			Logger:      logger,
		}), nil
	}

	f.constructors["openai"] = func(bc config.BackendConfig, prompt PromptConfig, logger *slog.Logger) (domain.Backend, error) {
		return newOpenAICompatible("openai", bc, prompt, logger), nil
	}

	f.constructors["moonshot"] = func(bc config.BackendConfig, prompt PromptConfig, logger *slog.Logger) (domain.Backend, error) {
		if bc.APIKey == "" {
			return nil, fmt.Errorf("backend moonshot: apiKey is required")
		}
		if bc.APIBase == "" {
			bc.APIBase = moonshotDefaultBase
		}
		if bc.Model == "" {
			bc.Model = moonshotDefaultModel
		}
		return newOpenAICompatible("moonshot", bc, prompt, logger), nil
	}

	f.constructors["claude"] = func(bc config.BackendConfig, prompt PromptConfig, logger *slog.Logger) (domain.Backend, error) {
		if bc.APIKey == "" {
			return nil, fmt.Errorf("backend claude: apiKey is required")
		}
		return NewClaude(ClaudeConfig{
			APIKey:      bc.APIKey,
			APIBase:     bc.APIBase,
			Model:       bc.Model,
			Temperature: bc.Temperature,
			MaxTokens:   bc.MaxTokens,
			Prompt:      prompt,
			Client:      SharedHTTPClient(timeoutOf(bc)),
			Logger:      logger,
		}), nil
	}

	f.constructors["scripted"] = func(config.BackendConfig, PromptConfig, *slog.Logger) (domain.Backend, error) {
		return NewOffline(), nil
	}
}

func newOpenAICompatible(name string, bc config.BackendConfig, prompt PromptConfig, logger *slog.Logger) *OpenAI {
	return NewOpenAI(OpenAIConfig{
		Name:        name,
		APIKey:      bc.APIKey,
		APIBase:     bc.APIBase,
		Model:       bc.Model,
		Temperature: bc.Temperature,
		MaxTokens:   bc.MaxTokens,
		Prompt:      prompt,
		Client:      SharedHTTPClient(timeoutOf(bc)),
		Logger:      logger,
	})
}

// Build creates the backend described by bc. Providers without a registered
// constructor are treated as OpenAI-compatible when they carry a base and key.
func (f *Factory) Build(bc config.BackendConfig) (domain.Backend, error) {
	f.mu.RLock()
	ctor, found := f.constructors[bc.Provider]
	f.mu.RUnlock()

	prompt := f.prompt
	if bc.SystemPromptExtra != "" {
		prompt.Extra = bc.SystemPromptExtra
	}
	logger := f.logger.With("backend", bc.Provider)

	switch {
	case found:
		return ctor(bc, prompt, logger)
	case bc.APIBase != "" && bc.APIKey != "":
		return newOpenAICompatible(bc.Provider, bc, prompt, logger), nil
	default:
		return nil, fmt.Errorf("backend %q: no constructor registered and no API base/key configured", bc.Provider)
	}
}

// BuildChain builds primary and, when fallbacks are given, wraps everything in
// a Failover tried in the listed order.
func (f *Factory) BuildChain(primary config.BackendConfig, fallbacks []config.BackendConfig) (domain.Backend, error) {
	first, err := f.Build(primary)
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return first, nil
	}
	chain := []domain.Backend{first}
	for i, bc := range fallbacks {
		b, err := f.Build(bc)
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		chain = append(chain, b)
	}
	return NewFailover(chain, f.logger), nil
}
