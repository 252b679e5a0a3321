package runerrors

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// NewPanicError captures a panic raised inside a workflow body or a step
// handler. Panics indicate bugs, so the resulting error is permanent.
func NewPanicError(v any) *Error {
	return &Error{
		Kind:       KindStepExecution,
		Message:    fmt.Sprintf("panic: %v", v),
		Permanent:  true,
		Stacktrace: stack(3),
	}
}

func stack(skip int) string {
	goerr := goerrors.Wrap(errors.New("stacktrace"), skip)
	return string(goerr.Stack())
}
