package workflow

import "github.com/stepflow-io/stepflow/internal/runerrors"

type (
	Error     = runerrors.Error
	ErrorKind = runerrors.Kind
)

const (
	ErrorKindDuplicateStep  = runerrors.KindDuplicateStep
	ErrorKindNonDeterminism = runerrors.KindNonDeterminism
	ErrorKindStepExecution  = runerrors.KindStepExecution
	ErrorKindRetryExhausted = runerrors.KindRetryExhausted
	ErrorKindCancelled      = runerrors.KindCancelled
)

// NewError wraps the given error into a run error which will be automatically
// retried.
func NewError(err error) error {
	return runerrors.FromError(err)
}

// NewPermanentError wraps the given error into a run error which will not be
// automatically retried.
func NewPermanentError(err error) error {
	return runerrors.NewPermanentError(err)
}
