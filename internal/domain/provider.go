package domain

import "context"

// Decision is the model backend's answer to one consultation. A decision with
// no Requests is a direct answer; otherwise Text is whatever the backend said
// alongside its invocation requests.
type Decision struct {
	Text     string
	Requests []InvocationRequest
}

// IsDirectAnswer reports whether the backend asked for no capabilities.
func (d Decision) IsDirectAnswer() bool {
	return len(d.Requests) == 0
}

// Backend is the external model service consulted on every loop step.
// Transport failures are reported as errors; the orchestrator maps them to
// BackendUnavailable.
type Backend interface {
	Name() string
	Consult(ctx context.Context, history []Turn, caps []*Capability) (Decision, error)
}

// HealthChecker is implemented by backends that can probe their endpoint.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}
