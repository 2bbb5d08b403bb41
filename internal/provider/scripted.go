package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"relaybot/internal/domain"
)

// Step is one scripted reply: a fixed decision, an error, or a function of
// the history.
type Step struct {
	Decision domain.Decision
	Err      error
	Func     func(history []domain.Turn, caps []*domain.Capability) (domain.Decision, error)
}

// Answer replies with a direct answer.
func Answer(text string) Step {
	return Step{Decision: domain.Decision{Text: text}}
}

// Request asks for a single capability.
func Request(capability string, args map[string]any) Step {
	return Step{Decision: domain.Decision{Requests: []domain.InvocationRequest{{Capability: capability, Arguments: args}}}}
}

// Requests asks for several capabilities in one round.
func Requests(reqs ...domain.InvocationRequest) Step {
	return Step{Decision: domain.Decision{Requests: reqs}}
}

// Fail makes the consultation fail with err.
func Fail(err error) Step {
	return Step{Err: err}
}

// ErrScriptExhausted is returned when a Scripted backend has no steps at all.
var ErrScriptExhausted = errors.New("scripted backend has no steps")

// Scripted is a deterministic backend. It replays its steps in order and
// keeps repeating the last one. Every consultation's history is recorded.
type Scripted struct {
	name string

	mu        sync.Mutex
	steps     []Step
	next      int
	histories [][]domain.Turn
}

func NewScripted(steps ...Step) *Scripted {
	return &Scripted{name: "scripted", steps: steps}
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) Consult(ctx context.Context, history []domain.Turn, caps []*domain.Capability) (domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return domain.Decision{}, err
	}

	s.mu.Lock()
	s.histories = append(s.histories, append([]domain.Turn(nil), history...))
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return domain.Decision{}, ErrScriptExhausted
	}
	step := s.steps[min(s.next, len(s.steps)-1)]
	s.next++
	s.mu.Unlock()

	switch {
	case step.Func != nil:
		return step.Func(history, caps)
	case step.Err != nil:
		return domain.Decision{}, step.Err
	}
	// Requests are copied so callers filling in ids never touch the script.
	d := step.Decision
	d.Requests = append([]domain.InvocationRequest(nil), d.Requests...)
	return d, nil
}

// Calls reports how many consultations have happened.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.histories)
}

// Histories returns the history seen by each consultation.
func (s *Scripted) Histories() [][]domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]domain.Turn(nil), s.histories...)
}

// NewOffline returns a rule-based backend that needs no model service. It maps
// a few phrasings onto the built-in capabilities and reports their results,
// which is enough to drive the CLI end to end.
func NewOffline() *Scripted {
	s := NewScripted(Step{Func: offlineDecide})
	s.name = "offline"
	return s
}

var (
	arithmeticOnly = regexp.MustCompile(`^[0-9+\-*/.() ]+$`)
	calcPhrase     = regexp.MustCompile(`(?i)^(?:calculate|calc|compute|what is|what's)\s+(.+?)\??$`)
	readPhrase     = regexp.MustCompile(`(?i)^(?:read|cat|show)\s+(?:file\s+)?(\S+)$`)
	listPhrase     = regexp.MustCompile(`(?i)^(?:ls|list(?:\s+files)?|list\s+dir)(?:\s+(?:in\s+)?(\S+))?$`)
	searchPhrase   = regexp.MustCompile(`(?i)^(?:search|search for|look up)\s+(.+)$`)
	sysinfoPhrase  = regexp.MustCompile(`(?i)system\s*info|sysinfo`)
)

func offlineDecide(history []domain.Turn, caps []*domain.Capability) (domain.Decision, error) {
	if len(history) == 0 {
		return domain.Decision{}, fmt.Errorf("offline backend: empty history")
	}

	// Results of this call's tool turns come after the last user turn.
	last := len(history) - 1
	if history[last].Role == domain.RoleTool {
		var parts []string
		for i := last; i >= 0 && history[i].Role == domain.RoleTool; i-- {
			parts = append([]string{describeResult(*history[i].Result)}, parts...)
		}
		return domain.Decision{Text: strings.Join(parts, "\n")}, nil
	}

	text := strings.TrimSpace(history[last].Text)
	declared := func(name string) bool {
		for _, c := range caps {
			if c.Name == name {
				return true
			}
		}
		return false
	}
	request := func(name string, args map[string]any) (domain.Decision, error) {
		if !declared(name) {
			return domain.Decision{Text: fmt.Sprintf("The %s capability is not available.", name)}, nil
		}
		return domain.Decision{Requests: []domain.InvocationRequest{{Capability: name, Arguments: args}}}, nil
	}

	switch {
	case arithmeticOnly.MatchString(text):
		return request("calculate", map[string]any{"expression": text})
	case calcPhrase.MatchString(text) && arithmeticOnly.MatchString(calcPhrase.FindStringSubmatch(text)[1]):
		return request("calculate", map[string]any{"expression": calcPhrase.FindStringSubmatch(text)[1]})
	case readPhrase.MatchString(text):
		return request("read_file", map[string]any{"path": readPhrase.FindStringSubmatch(text)[1]})
	case listPhrase.MatchString(text):
		args := map[string]any{}
		if p := listPhrase.FindStringSubmatch(text)[1]; p != "" {
			args["path"] = p
		}
		return request("list_dir", args)
	case searchPhrase.MatchString(text):
		return request("web_search", map[string]any{"query": searchPhrase.FindStringSubmatch(text)[1]})
	case sysinfoPhrase.MatchString(text):
		return request("system_info", map[string]any{})
	}
	return domain.Decision{Text: "I can calculate expressions, read and list files, search the web and report system info. Try \"calculate 15 * 23 + 7\"."}, nil
}

func describeResult(r domain.InvocationResult) string {
	if !r.OK {
		return fmt.Sprintf("%s failed (%s): %s", r.Capability, r.Kind, r.Message)
	}
	switch r.Capability {
	case "calculate":
		return fmt.Sprint(r.Payload["result"])
	case "read_file":
		return fmt.Sprint(r.Payload["content"])
	}
	data, err := json.MarshalIndent(r.Payload, "", "  ")
	if err != nil {
		return fmt.Sprint(r.Payload)
	}
	return string(data)
}
