package requirement

import (
	"reflect"

	"github.com/rickchristie/regent"
)

// Events emitted by the agent run, under "agent.requirement.<name>".
const (
	EventStart   = "start"
	EventSuccess = "success"
)

// StartEvent is emitted at the beginning of every iteration, after the reasoner has
// decided the request and before the model is called.
type StartEvent struct {
	State   *regent.RunState
	Request *Request
}

// SuccessEvent is emitted at the end of every iteration.
type SuccessEvent struct {
	State  *regent.RunState
	Output *regent.ModelOutput
}

var eventTypes = map[string]reflect.Type{
	EventStart:   reflect.TypeFor[*StartEvent](),
	EventSuccess: reflect.TypeFor[*SuccessEvent](),
}
