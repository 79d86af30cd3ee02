package tools

import "context"

// Invocation context keys. Values are injected by the agent per call and
// read by individual tools during Invoke, keeping tool instances
// stateless and safe for concurrent use.

type toolContextKey string

const ctxProgress toolContextKey = "tool_progress"

// ProgressFunc receives short human-readable notes while a tool runs.
type ProgressFunc func(note string)

// WithProgress attaches a progress reporter to the invocation context.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, ctxProgress, fn)
}

// ReportProgress sends note to the invocation's progress reporter, if
// one is attached.
func ReportProgress(ctx context.Context, note string) {
	if fn, ok := ctx.Value(ctxProgress).(ProgressFunc); ok && fn != nil {
		fn(note)
	}
}
