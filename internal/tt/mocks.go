// Package tt provides test helpers shared by the regent packages.
package tt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rickchristie/regent"
	"github.com/rickchristie/regent/schema"
	"github.com/tmc/langchaingo/llms"
)

// -----------------------------------------------------------------------------
// MockLLM - scripted llms.Model
// -----------------------------------------------------------------------------

// MockLLM is a scripted llms.Model. Responses are returned in the order they were
// added; once exhausted, every call answers with the text "done".
type MockLLM struct {
	mu        sync.Mutex
	responses []*llms.ContentResponse
	errors    []error
	callCount int

	// CapturedMessages stores the messages passed to each call.
	CapturedMessages [][]llms.MessageContent

	// CapturedOptions stores the resolved call options of each call.
	CapturedOptions []llms.CallOptions
}

// NewMockLLM creates an empty MockLLM.
func NewMockLLM() *MockLLM {
	return &MockLLM{}
}

// AddText queues a plain text response.
func (m *MockLLM) AddText(content string) *MockLLM {
	return m.AddResponse(&llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content:        content,
			GenerationInfo: map[string]any{"PromptTokens": 10, "CompletionTokens": 5},
		}},
	})
}

// AddToolCalls queues a response asking for the given tool calls.
func (m *MockLLM) AddToolCalls(calls ...llms.ToolCall) *MockLLM {
	return m.AddResponse(&llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			ToolCalls:      calls,
			GenerationInfo: map[string]any{"PromptTokens": 10, "CompletionTokens": 5},
		}},
	})
}

// AddResponse queues a raw response.
func (m *MockLLM) AddResponse(resp *llms.ContentResponse) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errors = append(m.errors, nil)
	return m
}

// AddError queues an error for the next call.
func (m *MockLLM) AddError(err error) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, nil)
	m.errors = append(m.errors, err)
	return m
}

// CallCount returns the number of GenerateContent calls.
func (m *MockLLM) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// LastOptions returns the call options of the most recent call.
func (m *MockLLM) LastOptions() llms.CallOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.CapturedOptions) == 0 {
		return llms.CallOptions{}
	}
	return m.CapturedOptions[len(m.CapturedOptions)-1]
}

// GenerateContent implements llms.Model.
func (m *MockLLM) GenerateContent(
	ctx context.Context,
	messages []llms.MessageContent,
	options ...llms.CallOption,
) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, opt := range options {
		opt(&opts)
	}

	m.mu.Lock()
	idx := m.callCount
	m.callCount++
	m.CapturedMessages = append(m.CapturedMessages, messages)
	m.CapturedOptions = append(m.CapturedOptions, opts)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if idx < len(m.errors) && m.errors[idx] != nil {
		return nil, m.errors[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: "done"}},
	}, nil
}

// Call implements llms.Model.
func (m *MockLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

var _ llms.Model = (*MockLLM)(nil)

// ToolCall builds a function tool call with JSON encoded args.
func ToolCall(id, name string, args map[string]any) llms.ToolCall {
	data, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return llms.ToolCall{
		ID:   id,
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      name,
			Arguments: string(data),
		},
	}
}

// -----------------------------------------------------------------------------
// MockTool
// -----------------------------------------------------------------------------

// MockTool is a regent.Tool returning a fixed output or error and recording its inputs.
type MockTool struct {
	name    string
	output  regent.ToolOutput
	err     error
	emitter *regent.Emitter

	mu     sync.Mutex
	inputs []map[string]any
}

// NewMockTool creates a tool that always returns output.
func NewMockTool(name, output string) *MockTool {
	t := &MockTool{name: name, output: regent.StringOutput(output)}
	t.emitter = regent.Root().Child(
		regent.WithNamespace("tool", regent.SafeName(name)),
		regent.WithCreator(t),
	)
	return t
}

// NewFailingTool creates a tool that always fails with err.
func NewFailingTool(name string, err error) *MockTool {
	t := NewMockTool(name, "")
	t.err = err
	return t
}

// Tools builds one MockTool per name, each answering "<name> output".
func Tools(names ...string) []*MockTool {
	tools := make([]*MockTool, len(names))
	for i, name := range names {
		tools[i] = NewMockTool(name, name+" output")
	}
	return tools
}

func (t *MockTool) Name() string { return t.name }
func (t *MockTool) Description() string { return "Mock tool " + t.name }
func (t *MockTool) Emitter() *regent.Emitter { return t.emitter }

func (t *MockTool) InputSchema() map[string]any {
	return schema.Object(map[string]*schema.Property{
		"query": schema.String("Query"),
	})
}

// Run implements regent.Tool.
func (t *MockTool) Run(ctx context.Context, input map[string]any) *regent.Run[regent.ToolOutput] {
	return regent.Enter(ctx, t, func(context.Context, *regent.RunContext) (regent.ToolOutput, error) {
		t.mu.Lock()
		t.inputs = append(t.inputs, input)
		t.mu.Unlock()

		if t.err != nil {
			return nil, regent.NewError(regent.ErrTool, fmt.Sprintf("tool %q has failed", t.name), t.err).
				WithRetryable(true)
		}
		return t.output, nil
	}, regent.WithParams(input))
}

// Inputs returns the inputs of every call that reached the tool.
func (t *MockTool) Inputs() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]map[string]any(nil), t.inputs...)
}

// Calls returns the number of calls that reached the tool.
func (t *MockTool) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inputs)
}

var _ regent.Tool = (*MockTool)(nil)

// AsTools converts mock tools to regent tools.
func AsTools(tools ...*MockTool) []regent.Tool {
	out := make([]regent.Tool, len(tools))
	for i, t := range tools {
		out[i] = t
	}
	return out
}
