package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/config"
	"relaybot/internal/domain"
)

func TestScripted_ReplaysThenRepeatsLastStep(t *testing.T) {
	s := NewScripted(Request("calculate", map[string]any{"expression": "1+1"}), Answer("2"))
	ctx := context.Background()

	d, err := s.Consult(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, d.Requests, 1)

	for i := 0; i < 2; i++ {
		d, err = s.Consult(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "2", d.Text)
	}
	assert.Equal(t, 3, s.Calls())
}

func TestScripted_RequestsAreCopied(t *testing.T) {
	s := NewScripted(Request("calculate", nil))
	d, _ := s.Consult(context.Background(), nil, nil)
	d.Requests[0].RequestID = "filled-in"

	again, _ := s.Consult(context.Background(), nil, nil)
	assert.Empty(t, again.Requests[0].RequestID)
}

func TestScripted_ErrorsAndCancellation(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := NewScripted(Fail(boom)).Consult(context.Background(), nil, nil)
	assert.ErrorIs(t, err, boom)

	_, err = NewScripted().Consult(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrScriptExhausted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewScripted(Answer("x")).Consult(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScripted_RecordsHistories(t *testing.T) {
	s := NewScripted(Answer("ok"))
	h := []domain.Turn{{Index: 1, Role: domain.RoleUser, Text: "hi"}}
	s.Consult(context.Background(), h, nil)
	h[0].Text = "mutated"

	got := s.Histories()
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0][0].Text)
}

func offlineCaps() []*domain.Capability {
	names := []string{"calculate", "read_file", "list_dir", "web_search", "system_info"}
	caps := make([]*domain.Capability, len(names))
	for i, n := range names {
		caps[i] = &domain.Capability{Name: n}
	}
	return caps
}

func TestOffline_RoutesPhrasesToCapabilities(t *testing.T) {
	cases := map[string]string{
		"15 * 23 + 7":            "calculate",
		"Calculate 15 * 23 + 7":  "calculate",
		"what is (2+3)*4?":       "calculate",
		"read notes.txt":         "read_file",
		"list files":             "list_dir",
		"ls docs":                "list_dir",
		"search golang errgroup": "web_search",
		"show me system info":    "system_info",
	}
	o := NewOffline()
	for text, want := range cases {
		d, err := o.Consult(context.Background(), []domain.Turn{domain.UserTurn(text)}, offlineCaps())
		require.NoError(t, err, text)
		require.Len(t, d.Requests, 1, text)
		assert.Equal(t, want, d.Requests[0].Capability, text)
	}
}

func TestOffline_AnswersFromToolResults(t *testing.T) {
	res := domain.Success(domain.InvocationRequest{Capability: "calculate"}, map[string]any{"result": int64(352)})
	failed := domain.Failure(domain.InvocationRequest{Capability: "read_file"}, domain.KindPathTraversal, "outside root")
	history := []domain.Turn{domain.UserTurn("Calculate 15 * 23 + 7"), domain.ToolTurn(res), domain.ToolTurn(failed)}

	d, err := NewOffline().Consult(context.Background(), history, offlineCaps())
	require.NoError(t, err)
	assert.True(t, d.IsDirectAnswer())
	lines := strings.Split(d.Text, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "352", lines[0])
	assert.Contains(t, lines[1], "PathTraversal")
}

func TestOffline_UnknownPhraseAndMissingCapability(t *testing.T) {
	o := NewOffline()
	d, err := o.Consult(context.Background(), []domain.Turn{domain.UserTurn("tell me a joke")}, offlineCaps())
	require.NoError(t, err)
	assert.True(t, d.IsDirectAnswer())

	d, err = o.Consult(context.Background(), []domain.Turn{domain.UserTurn("1+1")}, nil)
	require.NoError(t, err)
	assert.True(t, d.IsDirectAnswer(), "undeclared capabilities are never requested")
}

// --- Factory ---

func TestFactory_Build(t *testing.T) {
	f := NewFactory(PromptConfig{Workspace: "/srv"}, testLogger())

	b, err := f.Build(config.BackendConfig{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", b.Name())

	b, err = f.Build(config.BackendConfig{Provider: "moonshot", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "moonshot", b.Name())

	_, err = f.Build(config.BackendConfig{Provider: "moonshot"})
	assert.Error(t, err)

	b, err = f.Build(config.BackendConfig{Provider: "claude", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "claude", b.Name())

	_, err = f.Build(config.BackendConfig{Provider: "claude"})
	assert.Error(t, err)

	b, err = f.Build(config.BackendConfig{Provider: "scripted"})
	require.NoError(t, err)
	assert.Equal(t, "offline", b.Name())

	b, err = f.Build(config.BackendConfig{Provider: "vllm", APIBase: "http://gpu:8000/v1", APIKey: "x"})
	require.NoError(t, err)
	assert.Equal(t, "vllm", b.Name())

	_, err = f.Build(config.BackendConfig{Provider: "mystery"})
	assert.Error(t, err)
}

func TestFactory_RegisterConstructor(t *testing.T) {
	f := NewFactory(PromptConfig{}, testLogger())
	want := NewScripted(Answer("custom"))
	f.RegisterConstructor("custom", func(config.BackendConfig, PromptConfig, *slog.Logger) (domain.Backend, error) {
		return want, nil
	})
	b, err := f.Build(config.BackendConfig{Provider: "custom"})
	require.NoError(t, err)
	assert.Same(t, want, b)
}

func TestFactory_BuildChain(t *testing.T) {
	f := NewFactory(PromptConfig{}, testLogger())

	b, err := f.BuildChain(config.BackendConfig{Provider: "scripted"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "offline", b.Name())

	b, err = f.BuildChain(config.BackendConfig{Provider: "ollama"}, []config.BackendConfig{{Provider: "scripted"}})
	require.NoError(t, err)
	assert.Equal(t, "failover(ollama→offline)", b.Name())

	_, err = f.BuildChain(config.BackendConfig{Provider: "ollama"}, []config.BackendConfig{{Provider: "mystery"}})
	assert.ErrorContains(t, err, "fallback 0")
}

// --- prompt and message shaping ---

func TestSystemPrompt(t *testing.T) {
	p := SystemPrompt(PromptConfig{Workspace: "/srv/sandbox", Extra: "Answer in haiku."}, offlineCaps())
	assert.Contains(t, p, "/srv/sandbox")
	assert.Contains(t, p, "- calculate:")
	assert.Contains(t, p, "## Custom Instructions\nAnswer in haiku.")
}

func TestBuildMessages_GroupsToolRuns(t *testing.T) {
	r1 := domain.Success(domain.InvocationRequest{Capability: "calculate", RequestID: "a"}, nil)
	r2 := domain.Failure(domain.InvocationRequest{Capability: "read_file", RequestID: "b"}, domain.KindTimeout, "slow")
	history := []domain.Turn{
		domain.UserTurn("go"),
		domain.ToolTurn(r1),
		domain.ToolTurn(r2),
		domain.AssistantTurn("done"),
	}

	msgs := buildMessages("sys", history)
	require.Len(t, msgs, 6)
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "tool", "assistant"},
		[]string{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role, msgs[4].Role, msgs[5].Role})
	require.Len(t, msgs[2].Calls, 2)
	assert.Equal(t, "b", msgs[4].CallID)
	assert.JSONEq(t, `{"ok": false, "error": "Timeout", "message": "slow"}`, msgs[4].Content)
}
