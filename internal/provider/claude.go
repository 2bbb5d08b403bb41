package provider

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"relaybot/internal/domain"
)

const (
	claudeDefaultBase  = "https://api.anthropic.com/v1"
	claudeAPIVersion   = "2023-06-01"
	claudeDefaultModel = "claude-sonnet-4-5"
	claudeMaxTokens    = 4096
)

// Claude consults the Anthropic Messages API.
type Claude struct {
	keyed       bool
	api         jsonAPI
	model       string
	temperature float64
	maxTokens   int
	prompt      PromptConfig
}

type ClaudeConfig struct {
	APIKey      string
	APIBase     string
	Model       string
	Temperature float64
	MaxTokens   int
	Prompt      PromptConfig
	Client      *http.Client
	Logger      *slog.Logger
}

func NewClaude(cfg ClaudeConfig) *Claude {
	header := http.Header{}
	header.Set("x-api-key", cfg.APIKey)
	header.Set("anthropic-version", claudeAPIVersion)
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claudeMaxTokens
	}
	return &Claude{
		keyed:       cfg.APIKey != "",
		api:         newJSONAPI("claude", cmp.Or(cfg.APIBase, claudeDefaultBase), header, cfg.Client, cfg.Logger),
		model:       cmp.Or(cfg.Model, claudeDefaultModel),
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		prompt:      cfg.Prompt,
	}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Healthy(ctx context.Context) error {
	if !c.keyed {
		return errors.New("claude: no API key configured")
	}
	return c.api.probe(ctx, "/models")
}

type claudeRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	System      string       `json:"system,omitempty"`
	Messages    []claudeMsg  `json:"messages"`
	Tools       []claudeTool `json:"tools,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type claudeMsg struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type      string `json:"type"` // text, tool_use or tool_result
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type claudeTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type claudeResponse struct {
	Content    []claudeBlock `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// claudeMessages converts the shared message list into Messages API turns.
// The system prompt moves to its own field, tool results become user
// tool_result blocks, and adjacent turns with the same role are merged.
func claudeMessages(msgs []message) (system string, out []claudeMsg) {
	for _, m := range msgs {
		role := "user"
		var blocks []claudeBlock
		switch m.Role {
		case "system":
			system = m.Content
			continue
		case "tool":
			blocks = []claudeBlock{{Type: "tool_result", ToolUseID: m.CallID, Content: m.Content}}
		case "assistant":
			role = "assistant"
			if m.Content != "" {
				blocks = append(blocks, claudeBlock{Type: "text", Text: m.Content})
			}
			for _, call := range m.Calls {
				input := call.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, claudeBlock{Type: "tool_use", ID: call.RequestID, Name: call.Capability, Input: input})
			}
		default:
			blocks = []claudeBlock{{Type: "text", Text: m.Content}}
		}
		if len(blocks) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, claudeMsg{Role: role, Content: blocks})
	}
	return system, out
}

func (c *Claude) Consult(ctx context.Context, history []domain.Turn, caps []*domain.Capability) (domain.Decision, error) {
	system, msgs := claudeMessages(buildMessages(SystemPrompt(c.prompt, caps), history))
	in := claudeRequest{Model: c.model, MaxTokens: c.maxTokens, System: system, Messages: msgs}
	if c.temperature > 0 {
		t := c.temperature
		in.Temperature = &t
	}
	for _, d := range declareTools(caps) {
		in.Tools = append(in.Tools, claudeTool{Name: d.Function.Name, Description: d.Function.Description, InputSchema: d.Function.Parameters})
	}

	var out claudeResponse
	if err := c.api.post(ctx, "/messages", in, &out); err != nil {
		return domain.Decision{}, err
	}
	c.api.logger.Debug("messages response", "model", c.model, "stop_reason", out.StopReason,
		"input_tokens", out.Usage.InputTokens, "output_tokens", out.Usage.OutputTokens)

	var text strings.Builder
	var reqs []domain.InvocationRequest
	for _, b := range out.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args, _ := b.Input.(map[string]any)
			reqs = append(reqs, structuredRequest(b.ID, b.Name, args))
		}
	}
	return decide(text.String(), reqs, caps), nil
}
