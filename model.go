package regent

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// Model is the chat model interface agents call. Implementations run every call inside
// a run entered on the model, so model calls show up as "run.model.<name>.*" events
// nested under the agent run.
type Model interface {
	RunInstance

	// Name identifies the model in events and logs.
	Name() string

	// Generate produces the next assistant turn for messages.
	Generate(ctx context.Context, input *ModelInput) *Run[*ModelOutput]
}

// ModelInput is a single model call.
type ModelInput struct {
	Messages []llms.MessageContent

	// Tools are the tools the model may call. Nil means no tools.
	Tools []Tool

	// ToolChoice tells the model whether it must call a tool, and which one.
	ToolChoice ToolChoice
}

// ModelOutput is the normalized response of a model call.
type ModelOutput struct {
	// Content is the text of the response.
	Content string

	// Reasoning is the reasoning/thinking content, if the provider returns it.
	Reasoning string

	// ToolCalls are the tool calls the model asks for, in order.
	ToolCalls []llms.ToolCall

	// StopReason is the provider's reason for ending the generation.
	StopReason string

	// Usage holds token counts normalized across providers.
	Usage Usage

	// Duration is how long the provider call took.
	Duration time.Duration
}

// Message returns the assistant message to append to the conversation.
func (o *ModelOutput) Message() llms.MessageContent {
	msg := llms.MessageContent{Role: llms.ChatMessageTypeAI}
	if o.Content != "" {
		msg.Parts = append(msg.Parts, llms.TextContent{Text: o.Content})
	}
	for _, call := range o.ToolCalls {
		msg.Parts = append(msg.Parts, call)
	}
	return msg
}

// Usage contains token counts. Providers name these differently; see models.LCG for
// the mapping.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	TotalTokens       int
	CachedInputTokens int
	ReasoningTokens   int
}
