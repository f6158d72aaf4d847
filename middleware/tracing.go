package middleware

import (
	"context"
	"sync"

	"github.com/rickchristie/regent"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of the spans.
const TracerName = "github.com/rickchristie/regent"

// Tracing records one OpenTelemetry span per run. Spans of nested runs are children of
// the span of their parent run.
type Tracing struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]spanEntry
}

type spanEntry struct {
	ctx  context.Context
	span trace.Span
}

// NewTracing creates the middleware with a tracer from tp.
func NewTracing(tp trace.TracerProvider) *Tracing {
	return &Tracing{
		tracer: tp.Tracer(TracerName),
		spans:  make(map[string]spanEntry),
	}
}

// Bind implements regent.RunMiddleware.
func (t *Tracing) Bind(rc *regent.RunContext) {
	root := rc.Context()

	onLifecycle(rc, func(_ context.Context, ev lifecycleEvent) {
		runID := ev.rc.RunID()

		switch ev.name {
		case regent.EventStart:
			t.mu.Lock()
			parent, ok := t.spans[ev.rc.ParentID()]
			t.mu.Unlock()
			parentCtx := root
			if ok {
				parentCtx = parent.ctx
			}

			ctx, span := t.tracer.Start(parentCtx, ev.target,
				trace.WithAttributes(
					attribute.String("regent.run_id", runID),
					attribute.String("regent.group_id", ev.rc.GroupID()),
					attribute.String("regent.target", ev.target),
				),
			)
			t.mu.Lock()
			t.spans[runID] = spanEntry{ctx: ctx, span: span}
			t.mu.Unlock()

		case regent.EventError:
			entry, ok := t.lookup(runID)
			if !ok {
				return
			}
			if failure, _ := ev.data.(*regent.FrameworkError); failure != nil {
				entry.span.RecordError(failure)
				if regent.IsAbort(failure) {
					entry.span.SetStatus(codes.Unset, "aborted")
				} else {
					entry.span.SetStatus(codes.Error, failure.Error())
				}
			}

		case regent.EventFinish:
			t.mu.Lock()
			entry, ok := t.spans[runID]
			delete(t.spans, runID)
			t.mu.Unlock()
			if !ok {
				return
			}
			if finish, _ := ev.data.(*regent.RunFinishEvent); finish != nil {
				entry.span.SetAttributes(attribute.String("regent.status", outcome(finish.Err)))
				if finish.Err == nil {
					entry.span.SetStatus(codes.Ok, "")
				}
			}
			entry.span.End()
		}
	})
}

func (t *Tracing) lookup(runID string) (spanEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.spans[runID]
	return entry, ok
}

var _ regent.RunMiddleware = (*Tracing)(nil)
