package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the core can surface.
type ErrorKind string

const (
	// Security / validation class: always rejected before execution.
	KindSchemaViolation     ErrorKind = "SchemaViolation"
	KindPathTraversal       ErrorKind = "PathTraversal"
	KindDisallowedExtension ErrorKind = "DisallowedExtension"
	KindPayloadTooLarge     ErrorKind = "PayloadTooLarge"

	// Routing class.
	KindUnknownCapability ErrorKind = "UnknownCapability"

	// Execution class: capability-local, fed back to the backend.
	KindTimeout      ErrorKind = "Timeout"
	KindHandlerError ErrorKind = "HandlerError"

	// Loop-control class: synthesized by the orchestrator.
	KindBudgetExceeded ErrorKind = "BudgetExceeded"

	// Call-fatal class: abort the call and reach the caller.
	KindBackendUnavailable ErrorKind = "BackendUnavailable"
	KindThreadBusy         ErrorKind = "ThreadBusy"

	// Registry.
	KindDuplicateCapability ErrorKind = "DuplicateCapability"
	KindNotFound            ErrorKind = "NotFound"
)

// ErrorClass groups kinds by how they propagate.
type ErrorClass string

const (
	ClassSecurity    ErrorClass = "security"
	ClassRouting     ErrorClass = "routing"
	ClassExecution   ErrorClass = "execution"
	ClassLoopControl ErrorClass = "loop_control"
	ClassCallFatal   ErrorClass = "call_fatal"
	ClassRegistry    ErrorClass = "registry"
)

// Class returns the propagation class of k.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindSchemaViolation, KindPathTraversal, KindDisallowedExtension, KindPayloadTooLarge:
		return ClassSecurity
	case KindUnknownCapability:
		return ClassRouting
	case KindTimeout, KindHandlerError:
		return ClassExecution
	case KindBudgetExceeded:
		return ClassLoopControl
	case KindBackendUnavailable, KindThreadBusy:
		return ClassCallFatal
	default:
		return ClassRegistry
	}
}

// Fatal reports whether errors of this kind abort the current call.
func (k ErrorKind) Fatal() bool { return k.Class() == ClassCallFatal }

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError builds an *Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error that wraps an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels like ErrThreadBusy work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Sentinels for errors.Is checks at caller boundaries.
var (
	ErrSchemaViolation     = &Error{Kind: KindSchemaViolation}
	ErrPathTraversal       = &Error{Kind: KindPathTraversal}
	ErrDisallowedExtension = &Error{Kind: KindDisallowedExtension}
	ErrPayloadTooLarge     = &Error{Kind: KindPayloadTooLarge}
	ErrUnknownCapability   = &Error{Kind: KindUnknownCapability}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrHandler             = &Error{Kind: KindHandlerError}
	ErrBudgetExceeded      = &Error{Kind: KindBudgetExceeded}
	ErrBackendUnavailable  = &Error{Kind: KindBackendUnavailable}
	ErrThreadBusy          = &Error{Kind: KindThreadBusy}
	ErrDuplicateCapability = &Error{Kind: KindDuplicateCapability}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
