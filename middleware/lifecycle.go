// Package middleware contains run middlewares observing the lifecycle of a run and of
// every run nested in it: structured logging, tracing and metrics.
//
//	agent.Use(
//	    middleware.NewTrajectory(logger),
//	    middleware.NewTracing(otel.GetTracerProvider()),
//	    metrics,
//	)
package middleware

import (
	"context"
	"strings"

	"github.com/rickchristie/regent"
)

// lifecycleEvent is a start, success, error or finish event of some run.
type lifecycleEvent struct {
	name   string
	target string
	rc     *regent.RunContext
	data   any
	meta   *regent.EventMeta
}

// lifecycleMatcher matches the lifecycle events of every run.
var lifecycleMatcher = regent.MatcherFunc(func(meta *regent.EventMeta) bool {
	_, ok := meta.Creator.(*regent.RunContext)
	if !ok || !strings.HasPrefix(meta.Path, "run.") {
		return false
	}
	switch meta.Name {
	case regent.EventStart, regent.EventSuccess, regent.EventError, regent.EventFinish:
		return true
	}
	return false
})

// onLifecycle calls fn with every lifecycle event of rc and of the runs nested in it.
func onLifecycle(rc *regent.RunContext, fn func(ctx context.Context, ev lifecycleEvent)) regent.CleanupFunc {
	return rc.Emitter().Match(lifecycleMatcher, func(ctx context.Context, data any, meta *regent.EventMeta) error {
		target := strings.TrimPrefix(meta.Path, "run.")
		target = strings.TrimSuffix(target, "."+meta.Name)
		fn(ctx, lifecycleEvent{
			name:   meta.Name,
			target: target,
			rc:     meta.Creator.(*regent.RunContext),
			data:   data,
			meta:   meta,
		})
		return nil
	}, regent.Blocking(), regent.MatchNested(true), regent.WithPriority(-1))
}

// outcome classifies a finished run.
func outcome(err *regent.FrameworkError) string {
	switch {
	case err == nil:
		return "success"
	case regent.IsAbort(err):
		return "aborted"
	default:
		return "error"
	}
}
