// Package models adapts LangChainGo chat models to [regent.Model].
package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickchristie/regent"
	"github.com/tmc/langchaingo/llms"
)

// LCG wraps an llms.Model and implements regent.Model.
//
// Tools and tool choice are translated into llms.WithTools / llms.WithToolChoice, and
// token usage is normalized across providers.
//
//	llm, _ := openai.New(openai.WithToken(apiKey))
//	model := models.NewLCG(llm).WithName("gpt-4.1")
type LCG struct {
	model   llms.Model
	name    string
	options []llms.CallOption
	emitter *regent.Emitter
}

// NewLCG creates a new LCG wrapping the given llms.Model.
func NewLCG(model llms.Model) *LCG {
	m := &LCG{model: model}
	m.setName("langchaingo")
	return m
}

// WithName sets the model name used in events. Returns the model for chaining.
func (m *LCG) WithName(name string) *LCG {
	m.setName(name)
	return m
}

// WithCallOptions adds options passed on every call, before the per-request ones.
func (m *LCG) WithCallOptions(opts ...llms.CallOption) *LCG {
	m.options = append(m.options, opts...)
	return m
}

func (m *LCG) setName(name string) {
	m.name = name
	m.emitter = regent.Root().Child(
		regent.WithNamespace("model", regent.SafeName(name)),
		regent.WithCreator(m),
	)
}

func (m *LCG) Name() string { return m.name }
func (m *LCG) Emitter() *regent.Emitter { return m.emitter }

// Unwrap returns the underlying llms.Model.
func (m *LCG) Unwrap() llms.Model {
	return m.model
}

// Generate implements regent.Model.
func (m *LCG) Generate(ctx context.Context, input *regent.ModelInput) *regent.Run[*regent.ModelOutput] {
	return regent.Enter(ctx, m, func(ctx context.Context, _ *regent.RunContext) (*regent.ModelOutput, error) {
		opts := append([]llms.CallOption(nil), m.options...)
		opts = append(opts, CallOptions(input.Tools, input.ToolChoice)...)

		start := time.Now()
		resp, err := m.model.GenerateContent(ctx, input.Messages, opts...)
		duration := time.Since(start)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, regent.NewError(regent.ErrFramework, fmt.Sprintf("model %q call failed", m.name), err).
				WithRetryable(true)
		}
		if resp == nil || len(resp.Choices) == 0 {
			return nil, regent.Errorf(regent.ErrFramework, "model %q returned no choices", m.name).
				WithRetryable(true)
		}
		return convertResponse(resp, duration), nil
	}, regent.WithParams(input))
}

// CallOptions converts tools and tool choice into LangChainGo call options.
func CallOptions(tools []regent.Tool, choice regent.ToolChoice) []llms.CallOption {
	if len(tools) == 0 {
		return nil
	}

	defs := make([]llms.Tool, 0, len(tools))
	for _, tool := range tools {
		params := tool.InputSchema()
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  params,
			},
		})
	}

	return []llms.CallOption{
		llms.WithTools(defs),
		llms.WithToolChoice(toolChoice(choice)),
	}
}

func toolChoice(choice regent.ToolChoice) any {
	switch choice.Mode {
	case regent.ToolChoiceRequired:
		return "required"
	case regent.ToolChoiceTool:
		if choice.Tool != nil {
			return llms.ToolChoice{
				Type:     "function",
				Function: &llms.FunctionReference{Name: choice.Tool.Name()},
			}
		}
		return "required"
	default:
		return "auto"
	}
}

// convertResponse normalizes the first choice. Tool calls of every choice are kept,
// since some providers return one choice per tool call.
func convertResponse(resp *llms.ContentResponse, duration time.Duration) *regent.ModelOutput {
	first := resp.Choices[0]
	out := &regent.ModelOutput{
		Content:    first.Content,
		Reasoning:  first.ReasoningContent,
		StopReason: first.StopReason,
		Duration:   duration,
	}
	for i, choice := range resp.Choices {
		out.ToolCalls = append(out.ToolCalls, choice.ToolCalls...)
		if len(choice.ToolCalls) == 0 && choice.FuncCall != nil {
			out.ToolCalls = append(out.ToolCalls, llms.ToolCall{
				ID:           fmt.Sprintf("call_%d", i),
				Type:         "function",
				FunctionCall: choice.FuncCall,
			})
		}
	}

	if info := first.GenerationInfo; info != nil {
		out.Usage.InputTokens = extractInputTokens(info)
		out.Usage.OutputTokens = extractOutputTokens(info)
		out.Usage.TotalTokens = extractTotalTokens(info, out.Usage.InputTokens, out.Usage.OutputTokens)
		out.Usage.CachedInputTokens = extractCachedInputTokens(info)
		out.Usage.ReasoningTokens = extractReasoningTokens(info)
	}
	return out
}

func extractInputTokens(info map[string]any) int {
	// OpenAI, Ollama, Anthropic, Google/Bedrock.
	return firstInt(info, "PromptTokens", "InputTokens", "input_tokens")
}

func extractOutputTokens(info map[string]any) int {
	return firstInt(info, "CompletionTokens", "OutputTokens", "output_tokens")
}

func extractTotalTokens(info map[string]any, input, output int) int {
	if v := firstInt(info, "TotalTokens", "total_tokens"); v > 0 {
		return v
	}
	return input + output
}

func extractCachedInputTokens(info map[string]any) int {
	return firstInt(info, "PromptCachedTokens", "CacheReadInputTokens", "CachedTokens")
}

func extractReasoningTokens(info map[string]any) int {
	return firstInt(info, "ReasoningTokens", "CompletionReasoningTokens", "ThinkingTokens")
}

// firstInt returns the first positive integer found under keys.
func firstInt(info map[string]any, keys ...string) int {
	for _, key := range keys {
		if v := getInt(info, key); v > 0 {
			return v
		}
	}
	return 0
}

func getInt(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	default:
		return 0
	}
}

var _ regent.Model = (*LCG)(nil)
