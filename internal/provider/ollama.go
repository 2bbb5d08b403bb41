package provider

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"relaybot/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
)

// Ollama consults a local or hosted Ollama server through /api/chat.
type Ollama struct {
	api         jsonAPI
	model       string
	temperature float64
	prompt      PromptConfig
}

type OllamaConfig struct {
	APIBase     string
	Model       string
	Temperature float64
	Prompt      PromptConfig
	Client      *http.Client // nil uses SharedHTTPClient
	Logger      *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	return &Ollama{
		api:         newJSONAPI("ollama", cmp.Or(cfg.APIBase, ollamaDefaultBase), nil, cfg.Client, cfg.Logger),
		model:       cmp.Or(cfg.Model, ollamaDefaultModel),
		temperature: cfg.Temperature,
		prompt:      cfg.Prompt,
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Healthy(ctx context.Context) error {
	return o.api.probe(ctx, "/api/tags")
}

type ollamaChat struct {
	Model    string         `json:"model"`
	Messages []ollamaTurn   `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []toolDecl     `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaTurn struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []ollamaCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
}

type ollamaCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"` // object, or a string holding one
	} `json:"function"`
}

type ollamaReply struct {
	Message    ollamaTurn `json:"message"`
	DoneReason string     `json:"done_reason"`
}

func (o *Ollama) Consult(ctx context.Context, history []domain.Turn, caps []*domain.Capability) (domain.Decision, error) {
	in := ollamaChat{Model: o.model, Tools: declareTools(caps)}
	for _, m := range buildMessages(SystemPrompt(o.prompt, caps), history) {
		turn := ollamaTurn{Role: m.Role, Content: m.Content, ToolCallID: m.CallID, Name: m.Name}
		for _, c := range m.Calls {
			var call ollamaCall
			call.ID, call.Type = c.RequestID, "function"
			call.Function.Name = c.Capability
			call.Function.Arguments = encodeArgs(c.Arguments)
			turn.ToolCalls = append(turn.ToolCalls, call)
		}
		in.Messages = append(in.Messages, turn)
	}
	if o.temperature > 0 {
		in.Options = map[string]any{"temperature": o.temperature}
	}

	var out ollamaReply
	if err := o.api.post(ctx, "/api/chat", in, &out); err != nil {
		return domain.Decision{}, err
	}
	o.api.logger.Debug("ollama reply", "model", o.model, "done_reason", out.DoneReason, "tool_calls", len(out.Message.ToolCalls))

	reqs := make([]domain.InvocationRequest, 0, len(out.Message.ToolCalls))
	for _, c := range out.Message.ToolCalls {
		reqs = append(reqs, structuredRequest(c.ID, c.Function.Name, decodeArgs(c.Function.Arguments)))
	}
	return decide(out.Message.Content, reqs, caps), nil
}
