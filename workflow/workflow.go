// Package workflow is the API used inside durable workflow functions.
//
// A workflow function has the shape
//
//	func(ctx *workflow.Context, event E) (R, error)
//
// where the event parameter and the result are optional. The function is
// re-executed from the top on every tick; the operations in this package
// consult the run's ledger so that already-resolved steps are skipped and
// execution suspends at the first unresolved one.
package workflow

// Workflow is a registered workflow function. Its shape is validated by the
// registry.
type Workflow any

// StepHandler is a registered step body, executed outside of workflow replay:
//
//	func(ctx context.Context, event E) (R, error)
//
// with the event parameter optional.
type StepHandler any
