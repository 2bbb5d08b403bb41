package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- extractRequestsFromContent ---

func TestExtractRequests_SingleObject(t *testing.T) {
	reqs := extractRequestsFromContent(`{"name": "calculate", "arguments": {"expression": "15 * 23 + 7"}}`)
	require.Len(t, reqs, 1)
	assert.Equal(t, "calculate", reqs[0].Capability)
	assert.Equal(t, "15 * 23 + 7", reqs[0].Arguments["expression"])
	assert.Empty(t, reqs[0].RequestID, "ids are assigned by the orchestrator")
}

func TestExtractRequests_ParametersField(t *testing.T) {
	reqs := extractRequestsFromContent(`{"name": "read_file", "parameters": {"path": "notes.txt"}}`)
	require.Len(t, reqs, 1)
	assert.Equal(t, "notes.txt", reqs[0].Arguments["path"])
}

func TestExtractRequests_Array(t *testing.T) {
	reqs := extractRequestsFromContent(`[{"name": "list_dir", "arguments": {}}, {"name": "system_info", "arguments": {}}]`)
	require.Len(t, reqs, 2)
	assert.Equal(t, "list_dir", reqs[0].Capability)
	assert.Equal(t, "system_info", reqs[1].Capability)
}

func TestExtractRequests_CodeFenceWrapped(t *testing.T) {
	reqs := extractRequestsFromContent("```json\n{\"name\": \"calculate\", \"arguments\": {\"expression\": \"1+1\"}}\n```")
	require.Len(t, reqs, 1)
	assert.Equal(t, "calculate", reqs[0].Capability)
}

func TestExtractRequests_SurroundingText(t *testing.T) {
	reqs := extractRequestsFromContent("assistant\nSure.\n{\"name\": \"systeminfo\"}\nLet me check.")
	require.Len(t, reqs, 1)
	assert.Equal(t, "system_info", reqs[0].Capability, "aliases are normalised")
}

func TestExtractRequests_NoCalls(t *testing.T) {
	for _, in := range []string{"", "Sure, let me help you with that!", `{"name": "", "arguments": {}}`} {
		assert.Empty(t, extractRequestsFromContent(in), in)
	}
}

func TestExtractRequests_NilArguments(t *testing.T) {
	reqs := extractRequestsFromContent(`{"name": "system_info"}`)
	require.Len(t, reqs, 1)
	assert.NotNil(t, reqs[0].Arguments)
}

func TestExtractRequests_WithInvalidEscapes(t *testing.T) {
	reqs := extractRequestsFromContent(`{"name": "web_search", "arguments": {"query": "100\% cotton"}}`)
	require.Len(t, reqs, 1)
	assert.Equal(t, "100% cotton", reqs[0].Arguments["query"])
}

// --- sanitizeJSONEscapes ---

func TestSanitizeJSONEscapes(t *testing.T) {
	cases := map[string]string{
		`{"key": "value with \"quotes\" and \\backslash"}`: `{"key": "value with \"quotes\" and \\backslash"}`,
		`{"key": "100\% done"}`:                            `{"key": "100% done"}`,
		`{"msg": "Hello \World \! \?"}`:                    `{"msg": "Hello World ! ?"}`,
		`{"text": "line1\nline2\ttab"}`:                    `{"text": "line1\nline2\ttab"}`,
		``:                                                 ``,
		`{}`:                                               `{}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeJSONEscapes(in), in)
	}
}

// --- helpers ---

func TestStripRolePrefix(t *testing.T) {
	assert.Equal(t, "Hello", stripRolePrefix("assistant\nHello"))
	assert.Equal(t, "Hello", stripRolePrefix("Assistant: Hello"))
	assert.Equal(t, "No prefix", stripRolePrefix("No prefix"))
}

func TestExtractRequests_OpenAIFunctionShape(t *testing.T) {
	reqs := extractRequestsFromContent(`{"type": "function", "function": {"name": "read-file", "arguments": "{\"path\": \"notes.txt\"}"}}`)
	require.Len(t, reqs, 1)
	assert.Equal(t, "read_file", reqs[0].Capability)
	assert.Equal(t, "notes.txt", reqs[0].Arguments["path"])
}

func TestExtractRequests_SkipsValuesThatAreNotCalls(t *testing.T) {
	reqs := extractRequestsFromContent(`Config is {"debug": true}. Running [{"tool": "calc", "parameters": {"expression": "2+2"}}]`)
	require.Len(t, reqs, 1)
	assert.Equal(t, "calculate", reqs[0].Capability)
	assert.Equal(t, "2+2", reqs[0].Arguments["expression"])
}

func TestDecodeArgs(t *testing.T) {
	assert.Equal(t, map[string]any{"a": 1.0}, decodeArgs([]byte(`{"a": 1}`)))
	assert.Equal(t, map[string]any{"a": "x"}, decodeArgs([]byte(`"{\"a\": \"x\"}"`)))
	assert.Nil(t, decodeArgs(nil))
	assert.Nil(t, decodeArgs([]byte(`"not json"`)))
	assert.Nil(t, decodeArgs([]byte(`42`)))
}

func TestNormalizeToolName(t *testing.T) {
	cases := map[string]string{
		"web_search":      "web_search",
		"WebSearch":       "web_search",
		"search_web":      "web_search",
		"get_system_info": "system_info",
		"list_directory":  "list_dir",
		"Calculator":      "calculate",
		"custom_thing":    "custom_thing",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeToolName(in), in)
	}
}
