package regent

import "reflect"

// Lifecycle event names emitted by every run on its internal emitter. The internal
// emitter's namespace is "run" followed by the instance's namespace, so the start of a
// run on a tool named "search" is emitted as "run.tool.search.start".
const (
	EventStart   = "start"
	EventSuccess = "success"
	EventError   = "error"
	EventFinish  = "finish"
)

const (
	runNamespace       = "run"
	contextKeyInternal = "internal"
)

// RunStartEvent is emitted before the handler runs. A blocking listener may set Output
// to short-circuit the run; the handler is then skipped and Output becomes the result.
type RunStartEvent struct {
	Input  any
	Output any
}

// RunSuccessEvent is emitted after the handler returned without error.
type RunSuccessEvent struct {
	Input  any
	Output any
}

// RunFinishEvent is always emitted last, whatever the outcome.
type RunFinishEvent struct {
	Input  any
	Output any
	Err    *FrameworkError
}

// The "error" event carries the *FrameworkError itself.
var runEventTypes = map[string]reflect.Type{
	EventStart:   reflect.TypeFor[*RunStartEvent](),
	EventSuccess: reflect.TypeFor[*RunSuccessEvent](),
	EventError:   reflect.TypeFor[*FrameworkError](),
	EventFinish:  reflect.TypeFor[*RunFinishEvent](),
}
