package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	wf "github.com/stepflow-io/stepflow/workflow"
)

// Registry maps names to workflow functions and step handlers. Names are part
// of the wire contract with the external scheduler, so they are always given
// explicitly.
type Registry struct {
	sync.Mutex

	workflowMap map[string]wf.Workflow
	stepMap     map[string]wf.StepHandler
}

// New creates a new registry instance.
func New() *Registry {
	return &Registry{
		workflowMap: make(map[string]wf.Workflow),
		stepMap:     make(map[string]wf.StepHandler),
	}
}

func (r *Registry) RegisterWorkflow(name string, workflow wf.Workflow) error {
	wfType := reflect.TypeOf(workflow)
	if wfType == nil || wfType.Kind() != reflect.Func {
		return &ErrInvalidWorkflow{"workflow is not a function"}
	}

	if wfType.NumIn() == 0 || wfType.In(0) != reflect.TypeOf((*wf.Context)(nil)) {
		return &ErrInvalidWorkflow{"workflow does not accept *workflow.Context as first parameter"}
	}

	if wfType.NumIn() > 2 {
		return &ErrInvalidWorkflow{"workflow accepts more than a context and an event parameter"}
	}

	if err := checkReturns(wfType); err != nil {
		return &ErrInvalidWorkflow{err.Error()}
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.workflowMap[name]; ok {
		return &ErrWorkflowAlreadyRegistered{fmt.Sprintf("workflow with name %q already registered", name)}
	}
	r.workflowMap[name] = workflow

	return nil
}

func (r *Registry) RegisterStep(name string, handler wf.StepHandler) error {
	t := reflect.TypeOf(handler)
	if t == nil || t.Kind() != reflect.Func {
		return &ErrInvalidStep{"step handler is not a function"}
	}

	ctxType := reflect.TypeOf((*context.Context)(nil)).Elem()
	if t.NumIn() == 0 || !t.In(0).Implements(ctxType) {
		return &ErrInvalidStep{"step handler does not accept context.Context as first parameter"}
	}

	if t.NumIn() > 2 {
		return &ErrInvalidStep{"step handler accepts more than a context and an event parameter"}
	}

	if err := checkReturns(t); err != nil {
		return &ErrInvalidStep{err.Error()}
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.stepMap[name]; ok {
		return &ErrStepAlreadyRegistered{fmt.Sprintf("step with name %q already registered", name)}
	}
	r.stepMap[name] = handler

	return nil
}

func (r *Registry) GetWorkflow(name string) (wf.Workflow, error) {
	r.Lock()
	defer r.Unlock()

	if workflow, ok := r.workflowMap[name]; ok {
		return workflow, nil
	}

	return nil, fmt.Errorf("workflow %q not found", name)
}

func (r *Registry) GetStep(name string) (wf.StepHandler, error) {
	r.Lock()
	defer r.Unlock()

	if handler, ok := r.stepMap[name]; ok {
		return handler, nil
	}

	return nil, fmt.Errorf("step %q not found", name)
}

func checkReturns(t reflect.Type) error {
	if t.NumOut() == 0 {
		return fmt.Errorf("must return at least `error`")
	}

	if t.NumOut() > 2 {
		return fmt.Errorf("must return at most two values")
	}

	errType := reflect.TypeOf((*error)(nil)).Elem()
	if !t.Out(t.NumOut() - 1).Implements(errType) {
		return fmt.Errorf("must return `error` as last return value")
	}

	return nil
}
