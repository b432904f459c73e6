package api

import (
	"fmt"
	"strings"
)

// Phase indicates where a ValidationError was detected.
type Phase string

const (
	PhaseCall     Phase = "call"     // arguments passed to Function.Call
	PhaseEncode   Phase = "encode"   // Go values to raw slots
	PhaseDecode   Phase = "decode"   // raw slots to Go values
	PhaseHost     Phase = "host"     // host function binding or results
	PhaseInstance Phase = "instance" // instance state
)

// Kind categorizes a ValidationError.
type Kind string

const (
	KindArityMismatch    Kind = "arity_mismatch"
	KindTypeMismatch     Kind = "type_mismatch"
	KindResultMismatch   Kind = "result_mismatch"
	KindForeignReference Kind = "foreign_reference"
	KindInstanceClosed   Kind = "instance_closed"
	KindNotSuspendable   Kind = "not_suspendable"
	KindUnsupported      Kind = "unsupported"
)

// ValidationError is a local error: it is reported without entering guest code, or without resuming it when
// raised by a host function result, and is never a Trap.
type ValidationError struct {
	Phase    Phase
	Kind     Kind
	Function string
	Detail   string
	Cause    error
}

// Error implements error.
func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))
	if e.Function != "" {
		b.WriteString(" in ")
		b.WriteString(e.Function)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is matches any *ValidationError of the same Kind, so the Err* sentinels work with errors.Is.
func (e *ValidationError) Is(target error) bool {
	if t, ok := target.(*ValidationError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// NewValidationError returns a ValidationError with a formatted detail.
func NewValidationError(phase Phase, kind Kind, function string, format string, args ...interface{}) *ValidationError {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &ValidationError{Phase: phase, Kind: kind, Function: function, Detail: detail}
}

var (
	// ErrArityMismatch matches a wrong number of params or results.
	ErrArityMismatch = &ValidationError{Kind: KindArityMismatch}
	// ErrTypeMismatch matches a param of the wrong type.
	ErrTypeMismatch = &ValidationError{Kind: KindTypeMismatch}
	// ErrResultMismatch matches a dynamic host function returning values that don't match its declared results.
	ErrResultMismatch = &ValidationError{Kind: KindResultMismatch}
	// ErrForeignReference matches a reference value owned by another runtime.
	ErrForeignReference = &ValidationError{Kind: KindForeignReference}
	// ErrInstanceClosed matches calls into a closed or terminated instance.
	ErrInstanceClosed = &ValidationError{Kind: KindInstanceClosed}
	// ErrNotSuspendable matches a deferred result returned by a host function bound as synchronous.
	ErrNotSuspendable = &ValidationError{Kind: KindNotSuspendable}
)
