package domain

import "context"

// AuditEntry records one capability decision for the audit trail.
type AuditEntry struct {
	Action     string // rejected | executed | failed
	ThreadID   string
	RequestID  string
	Capability string
	Kind       ErrorKind
	Details    string
}

// AuditLogger persists audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry AuditEntry) error
}
