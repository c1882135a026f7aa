// Package taskerrors provides structured, tagged error types for task
// dispatch and execution failures. TaskError preserves error chains and
// supports errors.Is/As while remaining serializable for logging and for
// surfacing to clients.
package taskerrors

import (
	"errors"
	"fmt"
)

// Kind discriminates the category of a task failure. The orchestrator
// includes it in binding-failure log entries, and TaskError.Is matches on it.
type Kind string

const (
	// Validation marks a tool name unknown to the registry at registration time.
	Validation Kind = "validation"
	// Binding marks a failure resolving an input_bindings reference expression.
	Binding Kind = "binding"
	// Execution marks a server tool adapter raising or returning malformed output.
	Execution Kind = "execution"
	// Timeout marks a server task that exceeded its control.timeout_ms budget.
	Timeout Kind = "timeout"
	// Transport marks a client session that was unavailable or never acknowledged.
	Transport Kind = "transport"
	// ClientReported marks a client acknowledgment that carried success=false.
	ClientReported Kind = "client_reported"
)

// TaskError represents a structured task failure that preserves a message and
// causal chain while implementing the standard error interface. Errors may be
// nested via Cause to retain diagnostics across resolution and execution hops.
type TaskError struct {
	// Kind classifies the failure for programmatic handling.
	Kind Kind
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying error, enabling chains with errors.Is/As.
	Cause *TaskError
}

// New constructs a TaskError of the given kind with the provided message.
func New(kind Kind, message string) *TaskError {
	if message == "" {
		message = string(kind) + " error"
	}
	return &TaskError{Kind: kind, Message: message}
}

// Newf formats according to a format specifier and returns a TaskError of the given kind.
func Newf(kind Kind, format string, args ...any) *TaskError {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithCause constructs a TaskError that wraps an underlying error. The cause
// is converted into a TaskError chain so metadata survives while still
// supporting errors.Is/As through Unwrap.
func WithCause(kind Kind, message string, cause error) *TaskError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &TaskError{
		Kind:    kind,
		Message: message,
		Cause:   FromError(Execution, cause),
	}
}

// FromError converts an arbitrary error into a TaskError chain, defaulting
// unclassified errors to defaultKind.
func FromError(defaultKind Kind, err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return &TaskError{
		Kind:    defaultKind,
		Message: err.Error(),
		Cause:   FromError(defaultKind, errors.Unwrap(err)),
	}
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *TaskError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a *TaskError with the same Kind, allowing
// callers to write errors.Is(err, taskerrors.New(taskerrors.Timeout, "")).
func (e *TaskError) Is(target error) bool {
	var te *TaskError
	if !errors.As(target, &te) || te == nil {
		return false
	}
	return e != nil && e.Kind == te.Kind
}
