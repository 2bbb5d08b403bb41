package domain

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// InvocationRequest asks the dispatcher to run one capability.
type InvocationRequest struct {
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments"`
	RequestID  string         `json:"request_id"`
}

// InvocationResult is either a success carrying Payload or a failure carrying
// Kind and Message. RequestID and Capability echo the originating request.
type InvocationResult struct {
	RequestID  string         `json:"request_id"`
	Capability string         `json:"capability"`
	OK         bool           `json:"ok"`
	Payload    map[string]any `json:"payload,omitempty"`
	Kind       ErrorKind      `json:"kind,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Success builds a successful result for req.
func Success(req InvocationRequest, payload map[string]any) InvocationResult {
	if payload == nil {
		payload = map[string]any{}
	}
	return InvocationResult{
		RequestID:  req.RequestID,
		Capability: req.Capability,
		OK:         true,
		Payload:    payload,
	}
}

// Failure builds a failed result for req.
func Failure(req InvocationRequest, kind ErrorKind, message string) InvocationResult {
	return InvocationResult{
		RequestID:  req.RequestID,
		Capability: req.Capability,
		Kind:       kind,
		Message:    message,
	}
}

// Turn is one immutable record in a thread's history.
type Turn struct {
	Index     int               `json:"turn_index"`
	Role      Role              `json:"role"`
	Text      string            `json:"text,omitempty"`
	Result    *InvocationResult `json:"result,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// UserTurn, AssistantTurn and ToolTurn build unindexed turns; the store
// assigns Index on append.
func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Text: text, Timestamp: time.Now()}
}

func AssistantTurn(text string) Turn {
	return Turn{Role: RoleAssistant, Text: text, Timestamp: time.Now()}
}

func ToolTurn(res InvocationResult) Turn {
	r := res
	return Turn{Role: RoleTool, Result: &r, Timestamp: time.Now()}
}

// Answer is what a call returns to its caller.
type Answer struct {
	Text string
	// Incomplete is set when the loop budget ran out before the backend
	// produced a terminal answer.
	Incomplete bool
}

// IncompleteResponse is the assistant text stored when the budget ran out and
// the backend never produced any text to fall back on.
const IncompleteResponse = "[incomplete response: invocation budget exhausted]"
