package registry

type ErrInvalidWorkflow struct {
	msg string
}

func (e *ErrInvalidWorkflow) Error() string {
	return e.msg
}

type ErrWorkflowAlreadyRegistered struct {
	msg string
}

func (e *ErrWorkflowAlreadyRegistered) Error() string {
	return e.msg
}

type ErrInvalidStep struct {
	msg string
}

func (e *ErrInvalidStep) Error() string {
	return e.msg
}

type ErrStepAlreadyRegistered struct {
	msg string
}

func (e *ErrStepAlreadyRegistered) Error() string {
	return e.msg
}
