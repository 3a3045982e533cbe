package tool

import (
	"context"
	"errors"
	"fmt"
)

// Well-known error classes used by retry policies.
const (
	ClassTimeout   = "timeout"
	ClassTransient = "transient"
	ClassInternal  = "internal"
)

// Classifier is implemented by errors that declare their own retry class.
type Classifier interface {
	ErrorClass() string
}

// ClassOf resolves the retry class of an error. Deadline errors are always
// "timeout"; everything unclassified falls into "internal".
func ClassOf(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return ClassInternal
}

// ClassifiedError wraps an error with an explicit retry class.
type ClassifiedError struct {
	Class string
	Err   error
}

func (e *ClassifiedError) Error() string     { return fmt.Sprintf("%s: %v", e.Class, e.Err) }
func (e *ClassifiedError) Unwrap() error     { return e.Err }
func (e *ClassifiedError) ErrorClass() string { return e.Class }

// Transient marks an error as retryable under the "transient" class.
func Transient(err error) error {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// ValidationError reports malformed tool arguments or an unknown tool name.
// Never retried.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %q: invalid call: %s", e.Tool, e.Reason)
}

// PreconditionError reports an unmet precondition. Recoverable preconditions
// got one recovery attempt before this error was raised.
type PreconditionError struct {
	Tool         string
	Precondition string
	Reason       string
	Recoverable  bool
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("tool %q: precondition %q not met: %s", e.Tool, e.Precondition, e.Reason)
}

// ExecutionError reports a tool body failure after its retry policy was
// exhausted (or the error class was not retryable).
type ExecutionError struct {
	Tool    string
	Class   string
	Retries int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed after %d retries (%s): %v", e.Tool, e.Retries, e.Class, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
