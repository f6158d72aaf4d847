package regent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rickchristie/regent/schema"
)

// FinalAnswerName is the name of the tool agents call to deliver their final answer.
const FinalAnswerName = "final_answer"

// Tool is a capability an agent can call.
//
// Tools run inside their own run, so every call emits lifecycle events under
// "run.tool.<name>" and can be intercepted by listeners (for example to ask the user
// for permission before the tool executes).
type Tool interface {
	RunInstance

	// Name returns the identifier the model uses to call the tool.
	Name() string

	// Description returns a human-readable description for the model.
	Description() string

	// InputSchema returns the JSON Schema of the tool input, or nil.
	InputSchema() map[string]any

	// Run calls the tool with the given input. Failures are reported as [ErrTool]
	// errors.
	Run(ctx context.Context, input map[string]any) *Run[ToolOutput]
}

// ToolOutput is the result of a tool call.
type ToolOutput interface {
	// Text returns the output as sent back to the model.
	Text() string

	// IsEmpty reports whether the tool produced nothing useful.
	IsEmpty() bool
}

// StringOutput is a plain text tool output.
type StringOutput string

func (s StringOutput) Text() string { return string(s) }
func (s StringOutput) IsEmpty() bool { return len(s) == 0 }

// JSONOutput is a structured tool output, sent to the model as JSON.
type JSONOutput struct {
	Value any
}

func (o JSONOutput) Text() string {
	data, err := json.Marshal(o.Value)
	if err != nil {
		return fmt.Sprintf("%v", o.Value)
	}
	return string(data)
}

func (o JSONOutput) IsEmpty() bool { return o.Value == nil }

// -----------------------------------------------------------------------------
// ToolChoice
// -----------------------------------------------------------------------------

// ToolChoiceMode tells the model whether and which tool it must call.
type ToolChoiceMode string

const (
	// ToolChoiceAuto lets the model answer in text or call any allowed tool.
	ToolChoiceAuto ToolChoiceMode = "auto"

	// ToolChoiceRequired forces the model to call one of the allowed tools.
	ToolChoiceRequired ToolChoiceMode = "required"

	// ToolChoiceTool forces the model to call ToolChoice.Tool.
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice is the tool choice directive of a model call.
type ToolChoice struct {
	Mode ToolChoiceMode
	Tool Tool
}

// ChooseTool returns a choice forcing tool.
func ChooseTool(tool Tool) ToolChoice {
	return ToolChoice{Mode: ToolChoiceTool, Tool: tool}
}

func (c ToolChoice) String() string {
	if c.Mode == ToolChoiceTool && c.Tool != nil {
		return c.Tool.Name()
	}
	if c.Mode == "" {
		return string(ToolChoiceAuto)
	}
	return string(c.Mode)
}

// -----------------------------------------------------------------------------
// ToolFunc
// -----------------------------------------------------------------------------

// ToolFunc is a [Tool] backed by a function with a typed input.
//
// The raw input is validated against the JSON schema before being decoded into I, so
// fn only ever sees inputs the schema accepts. When I is map[string]any the input is
// passed through unchanged.
type ToolFunc[I any] struct {
	name        string
	description string
	schema      *schema.Schema
	fn          func(ctx context.Context, input I) (ToolOutput, error)
	emitter     *Emitter
}

// NewToolFunc creates a tool from a function. It panics if inputSchema is not a valid
// JSON schema.
//
//	search := regent.NewToolFunc(
//	    "search",
//	    "Search the knowledge base",
//	    schema.Object(map[string]*schema.Property{
//	        "query": schema.String("Search query"),
//	    }, "query"),
//	    func(ctx context.Context, in SearchInput) (regent.ToolOutput, error) {
//	        return regent.StringOutput(lookup(in.Query)), nil
//	    },
//	)
func NewToolFunc[I any](
	name, description string,
	inputSchema map[string]any,
	fn func(ctx context.Context, input I) (ToolOutput, error),
) *ToolFunc[I] {
	t := &ToolFunc[I]{
		name:        name,
		description: description,
		schema:      schema.MustCompile(inputSchema),
		fn:          fn,
	}
	t.emitter = Root().Child(WithNamespace("tool", SafeName(name)), WithCreator(t))
	return t
}

func (t *ToolFunc[I]) Name() string { return t.name }
func (t *ToolFunc[I]) Description() string { return t.description }
func (t *ToolFunc[I]) Emitter() *Emitter { return t.emitter }

func (t *ToolFunc[I]) InputSchema() map[string]any {
	return t.schema.Raw()
}

func (t *ToolFunc[I]) String() string { return t.name }

// Run implements Tool.
func (t *ToolFunc[I]) Run(ctx context.Context, input map[string]any) *Run[ToolOutput] {
	return Enter(ctx, t, func(ctx context.Context, _ *RunContext) (ToolOutput, error) {
		if err := t.schema.Validate(input); err != nil {
			return nil, NewError(ErrTool, fmt.Sprintf("invalid input for tool %q", t.name), err).
				WithRetryable(true)
		}

		typed, err := decodeInput[I](input)
		if err != nil {
			return nil, NewError(ErrTool, fmt.Sprintf("cannot decode input for tool %q", t.name), err).
				WithRetryable(true)
		}

		out, err := t.fn(ctx, typed)
		if err != nil {
			if errors.Is(err, ErrTool) || IsAbort(err) {
				return nil, err
			}
			return nil, NewError(ErrTool, fmt.Sprintf("tool %q has failed", t.name), err).
				WithRetryable(true)
		}
		if out == nil {
			out = StringOutput("")
		}
		return out, nil
	}, WithParams(input))
}

func decodeInput[I any](input map[string]any) (I, error) {
	var typed I
	if m, ok := any(input).(I); ok {
		return m, nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return typed, err
	}
	err = json.Unmarshal(data, &typed)
	return typed, err
}
