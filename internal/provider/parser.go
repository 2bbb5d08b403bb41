package provider

import (
	"cmp"
	"encoding/json"
	"strings"

	"relaybot/internal/domain"
)

// embeddedCall is one invocation request as models write it in plain text.
// Field names vary by model family: {"name", "arguments"}, {"tool",
// "parameters"}, or the OpenAI shape nested under "function" with the
// arguments JSON-encoded as a string.
type embeddedCall struct {
	Name       string          `json:"name"`
	Tool       string          `json:"tool"`
	Function   *embeddedCall   `json:"function"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
}

func (c *embeddedCall) request() (domain.InvocationRequest, bool) {
	if c.Function != nil {
		return c.Function.request()
	}
	name := cmp.Or(c.Name, c.Tool)
	if name == "" {
		return domain.InvocationRequest{}, false
	}
	args := decodeArgs(c.Parameters)
	if args == nil {
		args = decodeArgs(c.Arguments)
	}
	if args == nil {
		args = map[string]any{}
	}
	return domain.InvocationRequest{Capability: normalizeToolName(name), Arguments: args}, true
}

// decodeArgs accepts an object or a string holding an object.
func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if json.Unmarshal(raw, &m) == nil {
		return m
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && json.Unmarshal([]byte(s), &m) == nil {
		return m
	}
	return nil
}

// extractRequestsFromContent finds invocation requests that a model wrote into
// its text instead of the structured tool-call field. The first JSON value in
// the text that describes one or more calls wins; code fences and chatter
// around it are ignored. Request ids are left for the orchestrator.
func extractRequestsFromContent(content string) []domain.InvocationRequest {
	content = unfence(strings.TrimSpace(content))
	for i := 0; i < len(content); i++ {
		if content[i] != '{' && content[i] != '[' {
			continue
		}
		raw, ok := leadingJSON(content[i:])
		if !ok {
			continue
		}
		if reqs := parseCalls(raw); len(reqs) > 0 {
			return reqs
		}
		i += len(raw) - 1
	}
	return nil
}

func unfence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 3 || !strings.HasPrefix(lines[len(lines)-1], "```") {
		return s
	}
	return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
}

// leadingJSON decodes the JSON value at the start of s, retrying once with
// stray backslashes removed.
func leadingJSON(s string) (json.RawMessage, bool) {
	for _, candidate := range []string{s, sanitizeJSONEscapes(s)} {
		var raw json.RawMessage
		if json.NewDecoder(strings.NewReader(candidate)).Decode(&raw) == nil {
			return raw, true
		}
	}
	return nil, false
}

func parseCalls(raw json.RawMessage) []domain.InvocationRequest {
	var list []embeddedCall
	if json.Unmarshal(raw, &list) != nil {
		var one embeddedCall
		if json.Unmarshal(raw, &one) != nil {
			return nil
		}
		list = []embeddedCall{one}
	}
	var reqs []domain.InvocationRequest
	for i := range list {
		if r, ok := list[i].request(); ok {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

// toolAliases maps spellings models produce, folded to lower case without
// '_' or '-', onto registered capability names. The get_/search_ forms are
// the names older prompts used.
var toolAliases = map[string]string{
	"websearch":     "web_search",
	"searchweb":     "web_search",
	"readfile":      "read_file",
	"writefile":     "write_file",
	"listdir":       "list_dir",
	"listdirectory": "list_dir",
	"systeminfo":    "system_info",
	"getsysteminfo": "system_info",
	"calc":          "calculate",
	"calculator":    "calculate",
	"calculate":     "calculate",
}

func normalizeToolName(name string) string {
	folded := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(name))
	if mapped, ok := toolAliases[folded]; ok {
		return mapped
	}
	return name
}

// stripRolePrefix drops a leaked "assistant" role marker ("assistant\n...",
// "Assistant: ...") from the start of content.
func stripRolePrefix(content string) string {
	lower := strings.ToLower(content)
	for _, p := range []string{"assistant:", "assistant\n"} {
		if strings.HasPrefix(lower, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// sanitizeJSONEscapes drops backslashes that do not start a valid JSON escape
// (\% or \Y) inside string literals.
func sanitizeJSONEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case !inStr:
			inStr = ch == '"'
		case ch == '"':
			inStr = false
		case ch == '\\' && i+1 < len(s):
			if !strings.ContainsRune(`"\/bfnrtu`, rune(s[i+1])) {
				continue
			}
			b.WriteByte(ch)
			i++
			ch = s[i]
		}
		b.WriteByte(ch)
	}
	return b.String()
}
