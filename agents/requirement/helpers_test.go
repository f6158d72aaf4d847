package requirement

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rickchristie/regent"
	"github.com/rickchristie/regent/internal/tt"
	"github.com/rickchristie/regent/requirements"
)

var fixedNow = time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)

// toolset is a set of mock tools addressable by name, in creation order.
type toolset struct {
	byName map[string]*tt.MockTool
	list   []regent.Tool
}

func newToolset(names ...string) *toolset {
	mocks := tt.Tools(names...)
	s := &toolset{byName: make(map[string]*tt.MockTool, len(mocks)), list: tt.AsTools(mocks...)}
	for _, m := range mocks {
		s.byName[m.Name()] = m
	}
	return s
}

// history builds a state from tool names. A trailing "!" marks a failed invocation.
func (s *toolset) history(names ...string) *regent.RunState {
	state := regent.NewRunState()
	for i, entry := range names {
		name, failed := strings.CutSuffix(entry, "!")
		step := regent.RunStep{Iteration: i + 1, Tool: s.byName[name], Output: regent.StringOutput("ok")}
		if failed {
			step.Output = nil
			step.Err = errors.New("failed")
		}
		state.Steps = append(state.Steps, step)
	}
	state.Iteration = len(names) + 1
	return state
}

func mustFinalAnswer(t *testing.T, customSchema map[string]any) *FinalAnswer {
	t.Helper()
	fa, err := NewFinalAnswer(regent.NewRunState(), "", customSchema)
	require.NoError(t, err)
	return fa
}

// fixedRules returns a requirement answering the given rules at every step.
func fixedRules(name string, priority int, out ...requirements.Rule) requirements.Requirement {
	r := requirements.New(name, func(context.Context, *regent.RunState, *regent.RunContext) ([]requirements.Rule, error) {
		return out, nil
	})
	if err := r.SetPriority(priority); err != nil {
		panic(err)
	}
	return r
}

func hide(target string) requirements.Rule {
	return requirements.Rule{Target: target, Hidden: true}
}
