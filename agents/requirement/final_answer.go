package requirement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rickchristie/regent"
	"github.com/rickchristie/regent/schema"
)

// FinalAnswer is the tool the agent calls to deliver its answer. It records the answer
// in the run state, which ends the agent loop.
type FinalAnswer struct {
	state        *regent.RunState
	instructions string
	custom       bool
	schema       *schema.Schema
	emitter      *regent.Emitter
}

// NewFinalAnswer creates the final answer tool of one agent run.
//
// Without customSchema the tool takes a single "response" string, described by
// instructions. With customSchema the answer is the JSON encoded tool input.
func NewFinalAnswer(state *regent.RunState, instructions string, customSchema map[string]any) (*FinalAnswer, error) {
	f := &FinalAnswer{state: state, instructions: instructions, custom: customSchema != nil}

	raw := customSchema
	if raw == nil {
		description := instructions
		if description == "" {
			description = "The final answer to the user"
		}
		raw = schema.Object(map[string]*schema.Property{
			"response": schema.String(description),
		}, "response")
	}

	compiled, err := schema.Compile(raw)
	if err != nil {
		return nil, regent.NewError(regent.ErrConfiguration, "invalid expected output schema", err)
	}
	f.schema = compiled
	f.emitter = regent.Root().Child(
		regent.WithNamespace("tool", regent.FinalAnswerName),
		regent.WithCreator(f),
	)
	return f, nil
}

// Name implements regent.Tool.
func (f *FinalAnswer) Name() string { return regent.FinalAnswerName }

// Description implements regent.Tool.
func (f *FinalAnswer) Description() string { return "Sends the final answer to the user" }

// Emitter returns the tool emitter. The agent destroys it when its run ends.
func (f *FinalAnswer) Emitter() *regent.Emitter { return f.emitter }

// InputSchema returns the answer schema, the default one unless a custom schema was given.
func (f *FinalAnswer) InputSchema() map[string]any { return f.schema.Raw() }

// Instructions returns the expected output description, if any.
func (f *FinalAnswer) Instructions() string { return f.instructions }

// CustomSchema reports whether the answer follows a caller supplied schema.
func (f *FinalAnswer) CustomSchema() bool { return f.custom }

// Run implements regent.Tool.
func (f *FinalAnswer) Run(ctx context.Context, input map[string]any) *regent.Run[regent.ToolOutput] {
	return regent.Enter(ctx, f, func(context.Context, *regent.RunContext) (regent.ToolOutput, error) {
		if err := f.schema.Validate(input); err != nil {
			return nil, regent.NewError(regent.ErrTool, "invalid final answer", err).WithRetryable(true)
		}

		if f.custom {
			data, err := json.Marshal(input)
			if err != nil {
				return nil, regent.NewError(regent.ErrTool, "cannot encode final answer", err)
			}
			f.state.SetAnswer(string(data))
		} else {
			response, ok := input["response"].(string)
			if !ok {
				return nil, regent.Errorf(regent.ErrTool, "final answer response must be a string, got %T", input["response"]).
					WithRetryable(true)
			}
			f.state.SetAnswer(response)
		}
		return regent.StringOutput("Message has been sent"), nil
	}, regent.WithParams(input))
}

func (f *FinalAnswer) String() string {
	return fmt.Sprintf("FinalAnswer(custom=%t)", f.custom)
}

var _ regent.Tool = (*FinalAnswer)(nil)
