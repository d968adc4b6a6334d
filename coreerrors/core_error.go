// Package coreerrors provides the canonical error taxonomy shared across every
// layer of the Agent Execution Core, plus a CoreError chain type that preserves
// causal context while still supporting errors.Is/As.
package coreerrors

import (
	"errors"
	"fmt"
)

// Code is a canonical error code from the taxonomy in spec §6/§7. Using a
// distinct type instead of a bare string means a typo'd code is a compile
// error, not a silent mismatch at the API boundary.
type Code string

// Canonical codes. Grouped by the classification in §7.
const (
	// Input errors: surfaced to the caller verbatim, never retried internally.
	CodeRequestValidation    Code = "request.validation"
	CodeToolInvalidParameters Code = "tool.invalid_parameters"

	// Routing/availability errors: terminal for the request.
	CodeFrameworkUnavailable  Code = "framework.unavailable"
	CodeAgentNotFound         Code = "agent.not_found"
	CodeFrameworkRunnerMissing Code = "framework.runner_missing"

	// Session-continuity errors.
	CodeSessionCleared         Code = "session.cleared"
	CodeSessionRecoveryMissing Code = "session.recovery_missing"
	CodeSessionRecoveryFailed  Code = "session.recovery_failed"
	CodeSessionBusy            Code = "session.busy"

	// Execution errors: retriable=true when transient signals are detected.
	CodeFrameworkExecution        Code = "framework.execution"
	CodeFrameworkExecutionTimeout Code = "framework.execution_timeout"
	CodeToolExecution             Code = "tool.execution"
	CodeToolTimeout               Code = "tool.timeout"
	CodeToolUnauthorized          Code = "tool.unauthorized"
	CodeToolNotFound              Code = "tool.not_found"
	CodeToolNotDeclared           Code = "tool.not_declared"

	// Interaction errors: confined to the live stream.
	CodeInteractionAlreadyResolved Code = "interaction.already_resolved"
	CodeInteractionAutoTimeout     Code = "interaction.auto_timeout"

	// Stream errors.
	CodeStreamInterrupted Code = "stream.interrupted"

	// Infrastructure errors: logged, never prevent teardown.
	CodeRecoveryStoreUnavailable Code = "recovery.store_unavailable"
)

// retriable is the set of codes that are retriable by default when no
// transient signal overrides the decision. Execution errors default to
// retriable per §7; everything else defaults to non-retriable.
var retriable = map[Code]bool{
	CodeFrameworkExecution: true,
	CodeToolExecution:      true,
	CodeToolTimeout:        true,
}

// CoreError is a structured failure that preserves message and causal context
// while still implementing the standard error interface. Errors may be
// nested via Cause to retain diagnostics across layers.
type CoreError struct {
	Code    Code
	Message string
	Details map[string]any
	Source  string
	Cause   *CoreError
}

// New constructs a CoreError with the given code and message.
func New(code Code, message string) *CoreError {
	if message == "" {
		message = string(code)
	}
	return &CoreError{Code: code, Message: message}
}

// Newf formats according to a format specifier and returns a CoreError.
func Newf(code Code, format string, args ...any) *CoreError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap constructs a CoreError with the given code that wraps an underlying
// error, converting it into a CoreError chain so errors.Is/As keep working.
func Wrap(code Code, message string, cause error) *CoreError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &CoreError{Code: code, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a CoreError chain. If err is
// already (or wraps) a CoreError, that CoreError is returned unchanged so
// callers never lose the original code.
func FromError(err error) *CoreError {
	if err == nil {
		return nil
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return &CoreError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// WithDetails attaches free-form diagnostic details and returns the receiver
// for chaining.
func (e *CoreError) WithDetails(details map[string]any) *CoreError {
	e.Details = details
	return e
}

// WithSource annotates which component raised the error.
func (e *CoreError) WithSource(source string) *CoreError {
	e.Source = source
	return e
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return string(e.Code) + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *CoreError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a CoreError with the same Code, so
// errors.Is(err, coreerrors.New(coreerrors.CodeToolTimeout, "")) works without
// matching the message.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok || e == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Retriable reports whether the error's code is retriable by default.
func (e *CoreError) Retriable() bool {
	if e == nil {
		return false
	}
	return retriable[e.Code]
}
