package workflow

// Replaying returns true while the current execution is still
// short-circuiting previously recorded steps.
func Replaying(ctx *Context) bool {
	return ctx.cursor < len(ctx.snapshot)
}
