package provider

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/tool"
)

// PromptConfig customises the system prompt sent ahead of every history.
type PromptConfig struct {
	Workspace string // sandbox root shown to the model
	Extra     string // appended under "Custom Instructions"
}

// SystemPrompt builds the system message for one consultation.
func SystemPrompt(cfg PromptConfig, caps []*domain.Capability) string {
	var b strings.Builder
	fmt.Fprintf(&b, `# relaybot

You are relaybot, a helpful assistant with access to a fixed set of tools.

## Current Time
%s

## Runtime
%s %s, Go %s
`, time.Now().Format("2006-01-02 15:04 (Monday)"), runtime.GOOS, runtime.GOARCH, runtime.Version())

	if cfg.Workspace != "" {
		fmt.Fprintf(&b, "\n## Workspace\nFile tools only see paths inside %s. Use paths relative to it.\n", cfg.Workspace)
	}

	if len(caps) > 0 {
		b.WriteString("\n## Tools\n")
		for _, c := range caps {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
		}
	}

	b.WriteString(`
## RULES
1. When the user asks you to DO something a tool covers, call the tool. Never guess a result a tool can compute.
2. Use the tool calling mechanism. Do NOT write tool calls as JSON in your reply.
3. A tool result with "ok": false explains what went wrong. Fix the arguments or tell the user.
4. After tool execution, present results clearly. Do not mention tool names to the user.
5. Respond in the same language the user writes in.
6. Be helpful, accurate, and concise.`)

	if cfg.Extra != "" {
		b.WriteString("\n\n## Custom Instructions\n")
		b.WriteString(cfg.Extra)
	}
	return b.String()
}

// message is the backend-neutral form of one chat message. Both wire formats
// are built from it.
type message struct {
	Role    string
	Content string
	Calls   []domain.InvocationRequest // assistant message requesting tools
	CallID  string                     // tool message answering a call
	Name    string
}

// buildMessages renders history as chat messages. A run of tool turns becomes
// one assistant message carrying the calls followed by one tool message per
// result, which is the shape both wire formats expect.
func buildMessages(system string, history []domain.Turn) []message {
	msgs := make([]message, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, message{Role: "system", Content: system})
	}

	for i := 0; i < len(history); {
		t := history[i]
		if t.Role != domain.RoleTool || t.Result == nil {
			msgs = append(msgs, message{Role: string(t.Role), Content: t.Text})
			i++
			continue
		}

		j := i
		call := message{Role: "assistant"}
		for j < len(history) && history[j].Role == domain.RoleTool && history[j].Result != nil {
			r := history[j].Result
			call.Calls = append(call.Calls, domain.InvocationRequest{
				Capability: r.Capability,
				RequestID:  r.RequestID,
				Arguments:  map[string]any{},
			})
			j++
		}
		msgs = append(msgs, call)
		for _, rt := range history[i:j] {
			msgs = append(msgs, message{
				Role:    "tool",
				Content: resultContent(*rt.Result),
				CallID:  rt.Result.RequestID,
				Name:    rt.Result.Capability,
			})
		}
		i = j
	}
	return msgs
}

// resultContent is the JSON the model sees for one invocation result.
func resultContent(r domain.InvocationResult) string {
	body := map[string]any{"ok": r.OK}
	if r.OK {
		body["result"] = r.Payload
	} else {
		body["error"] = string(r.Kind)
		body["message"] = r.Message
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf(`{"ok": false, "error": "HandlerError", "message": %q}`, err.Error())
	}
	return string(data)
}

// toolDecl is a capability declaration in the shared function-calling shape.
type toolDecl struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func declareTools(caps []*domain.Capability) []toolDecl {
	if len(caps) == 0 {
		return nil
	}
	out := make([]toolDecl, 0, len(caps))
	for _, c := range caps {
		out = append(out, toolDecl{
			Type: "function",
			Function: toolFunction{
				Name:        c.Name,
				Description: c.Description,
				Parameters:  tool.Parameters(c.Schema),
			},
		})
	}
	return out
}

// decide turns a model reply into a Decision. Calls embedded in the text are
// honoured only when the reply carried no structured calls and every embedded
// name is a declared capability.
func decide(content string, reqs []domain.InvocationRequest, caps []*domain.Capability) domain.Decision {
	content = strings.TrimSpace(stripRolePrefix(content))
	if len(reqs) > 0 {
		return domain.Decision{Text: content, Requests: reqs}
	}
	if extracted := extractRequestsFromContent(content); len(extracted) > 0 && allDeclared(extracted, caps) {
		return domain.Decision{Requests: extracted}
	}
	return domain.Decision{Text: content}
}

func allDeclared(reqs []domain.InvocationRequest, caps []*domain.Capability) bool {
	known := make(map[string]bool, len(caps))
	for _, c := range caps {
		known[c.Name] = true
	}
	for _, r := range reqs {
		if !known[r.Capability] {
			return false
		}
	}
	return true
}
