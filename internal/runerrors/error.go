package runerrors

import (
	"encoding/json"
	"errors"
)

// Kind is the closed set of error kinds the engine reports.
type Kind string

const (
	// KindDuplicateStep indicates the same step name was used twice,
	// incompatibly, within one run. Always fatal to the run.
	KindDuplicateStep Kind = "DuplicateStepError"

	// KindNonDeterminism indicates a replay diverged from the recorded ledger
	// prefix. Always fatal to the run.
	KindNonDeterminism Kind = "NonDeterminismError"

	// KindStepExecution wraps an error reported by the external step runner.
	KindStepExecution Kind = "StepExecutionError"

	// KindRetryExhausted indicates a step failed more often than its retry
	// policy allows.
	KindRetryExhausted Kind = "RetryExhaustedError"

	// KindCancelled indicates the run was cancelled between ticks.
	KindCancelled Kind = "CancelledError"
)

// Error is a serializable error that can be persisted with a step record and
// restored on a later tick.
type Error struct {
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	// StepName is set when the error is attributable to a single step.
	StepName string `json:"step_name,omitempty"`

	// Attempt is the attempt count at the time the error was recorded.
	Attempt int `json:"attempt,omitempty"`

	Permanent  bool   `json:"permanent,omitempty"`
	Cause      error  `json:"cause,omitempty"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

func (re *Error) UnmarshalJSON(b []byte) error {
	type Alias Error
	a := &struct {
		Cause *Error `json:"cause,omitempty"`
		*Alias
	}{}

	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}

	*re = *(*Error)(a.Alias)
	re.Cause = a.Cause

	return nil
}

func (re *Error) Error() string {
	return re.Message
}

func (re *Error) Unwrap() error {
	if re == nil || re.Cause == (*Error)(nil) {
		return nil
	}

	return re.Cause
}

func (re *Error) Stack() string {
	return re.Stacktrace
}

var _ error = (*Error)(nil)

// FromError wraps the given error into a run error which can be persisted and
// restored. Errors of unknown kinds become retryable step execution errors.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	// Already a run error, do not wrap again
	if e, ok := err.(*Error); ok {
		return e
	}

	e := &Error{
		Kind:    KindStepExecution,
		Message: err.Error(),
	}

	if stackTracer, ok := err.(interface{ Stack() string }); ok {
		e.Stacktrace = stackTracer.Stack()
	}

	if cause := errors.Unwrap(err); cause != nil {
		e.Cause = FromError(cause)
	}

	return e
}

// New creates a run error of the given kind. Engine invariant violations
// (duplicate step, non-determinism) and cancellations are permanent.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Permanent: kind != KindStepExecution,
	}
}

// NewPermanentError wraps the given error into a run error which will not be
// retried.
func NewPermanentError(err error) *Error {
	e := FromError(err)
	e.Permanent = true
	return e
}

// CanRetry returns true if the given error is retryable.
func CanRetry(err *Error) bool {
	if err == nil {
		return false
	}

	return err.Kind == KindStepExecution && !err.Permanent
}
