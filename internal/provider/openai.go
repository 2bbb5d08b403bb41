package provider

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"relaybot/internal/domain"
)

// OpenAI consults any chat-completions compatible API: OpenAI itself,
// Moonshot, Gemini's compatibility endpoint, vLLM and the like.
type OpenAI struct {
	name        string
	api         jsonAPI
	model       string
	temperature float64
	maxTokens   int
	prompt      PromptConfig
}

type OpenAIConfig struct {
	Name        string // reported by Name; defaults to "openai"
	APIKey      string
	APIBase     string
	Model       string
	Temperature float64
	MaxTokens   int
	Prompt      PromptConfig
	Client      *http.Client
	Logger      *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	name := cmp.Or(cfg.Name, "openai")
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &OpenAI{
		name:        name,
		api:         newJSONAPI(name, cmp.Or(cfg.APIBase, "https://api.openai.com/v1"), header, cfg.Client, cfg.Logger),
		model:       cmp.Or(cfg.Model, "gpt-4o-mini"),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		prompt:      cfg.Prompt,
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Healthy(ctx context.Context) error {
	return o.api.probe(ctx, "/models")
}

type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []completionMessage `json:"messages"`
	Tools       []toolDecl          `json:"tools,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	Stream      bool                `json:"stream"`
}

type completionMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []completionCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type completionCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON text
	} `json:"function"`
}

type completionResponse struct {
	Choices []struct {
		Message      completionMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) Consult(ctx context.Context, history []domain.Turn, caps []*domain.Capability) (domain.Decision, error) {
	in := completionRequest{Model: o.model, Tools: declareTools(caps), MaxTokens: o.maxTokens}
	if o.temperature > 0 {
		t := o.temperature
		in.Temperature = &t
	}
	for _, m := range buildMessages(SystemPrompt(o.prompt, caps), history) {
		cm := completionMessage{Role: m.Role, Content: m.Content, ToolCallID: m.CallID, Name: m.Name}
		for _, c := range m.Calls {
			var call completionCall
			call.ID, call.Type = c.RequestID, "function"
			call.Function.Name = c.Capability
			call.Function.Arguments = string(encodeArgs(c.Arguments))
			cm.ToolCalls = append(cm.ToolCalls, call)
		}
		in.Messages = append(in.Messages, cm)
	}

	var out completionResponse
	if err := o.api.post(ctx, "/chat/completions", in, &out); err != nil {
		return domain.Decision{}, err
	}
	if len(out.Choices) == 0 {
		return domain.Decision{}, nil
	}
	choice := out.Choices[0]
	o.api.logger.Debug("chat completion", "backend", o.name, "model", o.model,
		"finish_reason", choice.FinishReason, "total_tokens", out.Usage.TotalTokens)

	reqs := make([]domain.InvocationRequest, 0, len(choice.Message.ToolCalls))
	for _, c := range choice.Message.ToolCalls {
		reqs = append(reqs, structuredRequest(c.ID, c.Function.Name, decodeArgs(json.RawMessage(c.Function.Arguments))))
	}
	return decide(choice.Message.Content, reqs, caps), nil
}
