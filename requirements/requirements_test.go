package requirements

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rickchristie/regent"
	"github.com/rickchristie/regent/internal/tt"
)

type agentStub struct {
	emitter *regent.Emitter
}

func newAgentStub() *agentStub {
	return &agentStub{emitter: regent.NewEmitter(regent.WithNamespace("agent", "stub"))}
}

func (a *agentStub) Emitter() *regent.Emitter { return a.emitter }

// inRun calls fn inside a run standing in for the agent run.
func inRun(t *testing.T, fn func(ctx context.Context, rc *regent.RunContext) error) {
	t.Helper()
	_, err := regent.Enter(context.Background(), newAgentStub(), func(ctx context.Context, rc *regent.RunContext) (struct{}, error) {
		return struct{}{}, fn(ctx, rc)
	}).Wait()
	require.NoError(t, err)
}

// toolset is a set of mock tools addressable by name.
type toolset map[string]*tt.MockTool

func newToolset(names ...string) (toolset, []regent.Tool) {
	set := make(toolset, len(names))
	mocks := tt.Tools(names...)
	for _, m := range mocks {
		set[m.Name()] = m
	}
	return set, tt.AsTools(mocks...)
}

// history builds a state from tool names. A trailing "!" marks a failed invocation.
func (s toolset) history(names ...string) *regent.RunState {
	state := regent.NewRunState()
	for i, entry := range names {
		name, failed := strings.CutSuffix(entry, "!")
		step := regent.RunStep{Iteration: i + 1, Tool: s[name], Output: regent.StringOutput("ok")}
		if failed {
			step.Output = nil
			step.Err = errors.New("failed")
		}
		state.Steps = append(state.Steps, step)
	}
	state.Iteration = len(names)
	return state
}
