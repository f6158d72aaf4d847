// Package requirement implements the requirement agent: a tool calling loop whose
// every step is constrained by declarative requirements.
//
// At each iteration the [Reasoner] evaluates the requirements against the run state
// and decides which tools the model may call, whether one is forced, and whether the
// agent may stop. The model only ever sees the allowed tools.
//
//	agent := requirement.NewAgent(model).
//	    WithTools(think, search).
//	    WithRequirements(
//	        requirements.MustConditional(requirements.Instance(think), requirements.ForceAtStep(1)),
//	        requirements.MustConditional(requirements.Instance(search), requirements.MaxInvocations(2)),
//	    )
//
//	out, err := agent.Run(ctx, requirement.RunInput{Prompt: "What is the tallest building?"}).Wait()
package requirement

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/rickchristie/regent"
	"github.com/rickchristie/regent/requirements"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"
)

// RunInput is the input of one agent run.
type RunInput struct {
	// Prompt is the task. When empty, the agent continues from its memory.
	Prompt string

	// Context is extra information relevant to the task.
	Context string

	// ExpectedOutput describes the expected answer in plain words.
	ExpectedOutput string

	// ExpectedSchema is a JSON schema the answer must follow. The answer is then the
	// JSON encoded final answer input.
	ExpectedSchema map[string]any

	// Config overrides the agent's execution limits for this run.
	Config *ExecutionConfig
}

// Output is the result of an agent run.
type Output struct {
	// Answer is the final answer.
	Answer string

	// State is the final run state.
	State *regent.RunState
}

// Agent is the requirement agent.
type Agent struct {
	model        regent.Model
	tools        []regent.Tool
	requirements []requirements.Requirement
	templates    Templates
	config       ExecutionConfig

	role              string
	instructions      []string
	notes             []string
	finalAnswerAsTool bool
	saveIntermediate  bool
	cycleThreshold    int
	clock             func() time.Time
	middlewares       []regent.RunMiddleware
	emitter           *regent.Emitter

	mu     sync.Mutex
	memory []llms.MessageContent
}

// NewAgent creates an agent calling model.
// Defaults:
//   - Role: "a helpful AI assistant"
//   - Execution limits: DefaultExecutionConfig()
//   - Final answer as tool: true
//   - Save intermediate steps: true
//   - Cycle detection: 3 identical consecutive calls
func NewAgent(model regent.Model) *Agent {
	a := &Agent{
		model:             model,
		templates:         DefaultTemplates(),
		config:            DefaultExecutionConfig(),
		role:              "a helpful AI assistant",
		finalAnswerAsTool: true,
		saveIntermediate:  true,
		cycleThreshold:    3,
		clock:             time.Now,
	}
	a.emitter = regent.Root().Child(
		regent.WithNamespace("agent", "requirement"),
		regent.WithCreator(a),
		regent.WithEvents(eventTypes),
	)
	return a
}

// WithTools adds tools.
func (a *Agent) WithTools(tools ...regent.Tool) *Agent {
	a.tools = append(a.tools, tools...)
	return a
}

// WithRequirements adds requirements.
func (a *Agent) WithRequirements(reqs ...requirements.Requirement) *Agent {
	a.requirements = append(a.requirements, reqs...)
	return a
}

// WithRole sets the role the model is asked to assume.
func (a *Agent) WithRole(role string) *Agent {
	a.role = role
	return a
}

// WithInstructions adds instructions to the system prompt.
func (a *Agent) WithInstructions(instructions ...string) *Agent {
	a.instructions = append(a.instructions, instructions...)
	return a
}

// WithNotes adds notes to the end of the system prompt.
func (a *Agent) WithNotes(notes ...string) *Agent {
	a.notes = append(a.notes, notes...)
	return a
}

// WithTemplates replaces prompts. Nil templates keep their default.
func (a *Agent) WithTemplates(t Templates) *Agent {
	a.templates = t.withDefaults()
	return a
}

// WithSystemTemplateString replaces the system prompt with a template parsed from s.
// See [SystemPromptData] for the available fields.
func (a *Agent) WithSystemTemplateString(s string) (*Agent, error) {
	tmpl, err := template.New("requirement_system").Parse(s)
	if err != nil {
		return a, regent.NewError(regent.ErrConfiguration, "failed to parse template", err)
	}
	a.templates.System = tmpl
	return a, nil
}

// WithExecutionConfig sets the execution limits.
func (a *Agent) WithExecutionConfig(cfg ExecutionConfig) *Agent {
	a.config = cfg
	return a
}

// WithFinalAnswerAsTool sets whether the model must always call a tool, the final
// answer tool included. When false, the model may answer in plain text.
func (a *Agent) WithFinalAnswerAsTool(enabled bool) *Agent {
	a.finalAnswerAsTool = enabled
	return a
}

// WithSaveIntermediateSteps sets whether the whole conversation, tool calls included,
// is kept in memory after a run. When false, only the task and the answer are kept.
func (a *Agent) WithSaveIntermediateSteps(enabled bool) *Agent {
	a.saveIntermediate = enabled
	return a
}

// WithCycleDetection sets how many identical consecutive tool calls are treated as a
// cycle. Zero disables detection.
func (a *Agent) WithCycleDetection(threshold int) *Agent {
	a.cycleThreshold = threshold
	return a
}

// WithClock sets the clock used for the date in the system prompt.
func (a *Agent) WithClock(clock func() time.Time) *Agent {
	a.clock = clock
	return a
}

// WithMemory replaces the conversation the next run starts from.
func (a *Agent) WithMemory(messages ...llms.MessageContent) *Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory = slices.Clone(messages)
	return a
}

// Use binds middlewares to every run.
func (a *Agent) Use(middlewares ...regent.RunMiddleware) *Agent {
	a.middlewares = append(a.middlewares, middlewares...)
	return a
}

// Emitter returns the agent's emitter.
func (a *Agent) Emitter() *regent.Emitter { return a.emitter }

// Memory returns the conversation kept between runs.
func (a *Agent) Memory() []llms.MessageContent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.memory)
}

// Clone returns an agent with the same configuration, a copy of the memory, and an
// emitter carrying over the persistent listeners.
func (a *Agent) Clone() *Agent {
	a.mu.Lock()
	defer a.mu.Unlock()

	cloned := &Agent{
		model:             a.model,
		tools:             slices.Clone(a.tools),
		requirements:      slices.Clone(a.requirements),
		templates:         a.templates,
		config:            a.config,
		role:              a.role,
		instructions:      slices.Clone(a.instructions),
		notes:             slices.Clone(a.notes),
		finalAnswerAsTool: a.finalAnswerAsTool,
		saveIntermediate:  a.saveIntermediate,
		cycleThreshold:    a.cycleThreshold,
		clock:             a.clock,
		middlewares:       slices.Clone(a.middlewares),
		memory:            slices.Clone(a.memory),
		emitter:           a.emitter.Clone(),
	}
	return cloned
}

// Run starts a run. Nothing executes until the returned run is waited on or iterated.
func (a *Agent) Run(ctx context.Context, input RunInput) *regent.Run[*Output] {
	return regent.Enter(ctx, a, func(ctx context.Context, rc *regent.RunContext) (*Output, error) {
		return a.run(ctx, rc, input)
	}, regent.WithParams(input)).Middleware(a.middlewares...)
}

func (a *Agent) run(ctx context.Context, rc *regent.RunContext, input RunInput) (*Output, error) {
	cfg := a.config
	if input.Config != nil {
		cfg = *input.Config
	}

	state := regent.NewRunState(a.Memory()...)
	var task *llms.MessageContent
	if input.Prompt != "" {
		text, err := render(a.templates.Task, TaskPromptData{
			Prompt:         input.Prompt,
			Context:        input.Context,
			ExpectedOutput: input.ExpectedOutput,
		})
		if err != nil {
			return nil, err
		}
		msg := llms.TextParts(llms.ChatMessageTypeHuman, text)
		task = &msg
		state.Memory = append(state.Memory, msg)
	}

	finalAnswer, err := NewFinalAnswer(state, input.ExpectedOutput, input.ExpectedSchema)
	if err != nil {
		return nil, err
	}
	defer finalAnswer.Emitter().Destroy()
	reasoner, err := NewReasoner(a.tools, a.requirements, finalAnswer, rc)
	if err != nil {
		return nil, err
	}

	retries := newRetryCounter(cfg)
	cycles := &cycleDetector{threshold: a.cycleThreshold}
	forceToolCall := a.finalAnswerAsTool

	for {
		if _, done := state.Answer(); done {
			break
		}

		state.Iteration++
		if cfg.MaxIterations > 0 && state.Iteration > cfg.MaxIterations {
			return nil, regent.Errorf(
				regent.ErrAgent,
				"agent was not able to resolve the task in %d iterations",
				cfg.MaxIterations,
			)
		}

		request, err := reasoner.CreateRequest(ctx, state, forceToolCall)
		if err != nil {
			return nil, err
		}
		if err := rc.Emitter().Emit(ctx, EventStart, &StartEvent{State: state, Request: request}); err != nil {
			return nil, err
		}

		system, err := render(a.templates.System, systemPromptData(request, a.role, a.instructions, a.notes, a.clock()))
		if err != nil {
			return nil, err
		}
		messages := append([]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, system)}, state.Memory...)

		out, err := a.model.Generate(ctx, &regent.ModelInput{
			Messages:   messages,
			Tools:      request.AllowedTools,
			ToolChoice: request.ToolChoice,
		}).Wait()
		if err != nil {
			return nil, err
		}

		calls := slices.Clone(out.ToolCalls)
		switch {
		case len(calls) == 0 && strings.TrimSpace(out.Content) != "" && request.CanStop:
			args, ok := textAnswer(out.Content, finalAnswer.CustomSchema())
			if !ok {
				// The model answered in text but not in the expected shape. Drop the
				// requirements and insist on the final answer tool.
				if err := reasoner.Update(nil); err != nil {
					return nil, err
				}
				forceToolCall = true
				continue
			}
			calls = []llms.ToolCall{{
				ID:   "call_" + uuid.NewString()[:8],
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      finalAnswer.Name(),
					Arguments: args,
				},
			}}
			state.Memory = append(state.Memory, (&regent.ModelOutput{ToolCalls: calls}).Message())
		case len(calls) > 0 || out.Content != "":
			state.Memory = append(state.Memory, out.Message())
		}

		cycle := false
		for _, call := range calls {
			if !cycles.register(call) {
				continue
			}
			cycle = true
			cycles.reset()

			text, err := render(a.templates.CycleDetection, map[string]any{
				"ToolName":        call.FunctionCall.Name,
				"ToolArgs":        call.FunctionCall.Arguments,
				"FinalAnswerName": finalAnswer.Name(),
			})
			if err != nil {
				return nil, err
			}
			state.Memory = append(state.Memory[:len(state.Memory)-1], llms.TextParts(llms.ChatMessageTypeHuman, text))
			break
		}

		if !cycle && len(calls) > 0 {
			results, err := a.runTools(ctx, request.AllowedTools, calls, state)
			if err != nil {
				return nil, err
			}
			for _, res := range results {
				state.Steps = append(state.Steps, res.step)

				content, err := a.toolResultText(res)
				if err != nil {
					return nil, err
				}
				state.Memory = append(state.Memory, llms.MessageContent{
					Role: llms.ChatMessageTypeTool,
					Parts: []llms.ContentPart{llms.ToolCallResponse{
						ToolCallID: res.call.ID,
						Name:       res.call.FunctionCall.Name,
						Content:    content,
					}},
				})

				if err := retries.record(res.step); err != nil {
					return nil, err
				}
			}
		}

		if err := rc.Emitter().Emit(ctx, EventSuccess, &SuccessEvent{State: state, Output: out}); err != nil {
			return nil, err
		}
	}

	answer, _ := state.Answer()
	a.remember(state, task, answer)
	return &Output{Answer: answer, State: state}, nil
}

func (a *Agent) remember(state *regent.RunState, task *llms.MessageContent, answer string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.saveIntermediate {
		a.memory = slices.Clone(state.Memory)
		return
	}
	if task != nil {
		a.memory = append(a.memory, *task)
	}
	a.memory = append(a.memory, llms.TextParts(llms.ChatMessageTypeAI, answer))
}

type toolResult struct {
	call llms.ToolCall
	step regent.RunStep
}

// runTools calls every tool concurrently. Tool failures are recorded in the steps;
// only an abort stops the agent.
func (a *Agent) runTools(
	ctx context.Context,
	allowed []regent.Tool,
	calls []llms.ToolCall,
	state *regent.RunState,
) ([]toolResult, error) {
	results := make([]toolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)

	for i, call := range calls {
		g.Go(func() error {
			step := regent.RunStep{
				ID:        call.ID,
				Iteration: state.Iteration,
				Input:     map[string]any{},
			}
			defer func() { results[i] = toolResult{call: call, step: step} }()

			if call.FunctionCall == nil {
				step.Err = regent.Errorf(regent.ErrTool, "tool call %q has no function", call.ID).WithRetryable(true)
				return nil
			}

			name := call.FunctionCall.Name
			idx := slices.IndexFunc(allowed, func(t regent.Tool) bool { return t.Name() == name })
			if idx < 0 {
				step.Err = regent.Errorf(regent.ErrTool, "tool %q does not exist", name).WithRetryable(true)
				return nil
			}
			step.Tool = allowed[idx]

			if args := strings.TrimSpace(call.FunctionCall.Arguments); args != "" {
				if err := json.Unmarshal([]byte(args), &step.Input); err != nil {
					step.Err = regent.NewError(
						regent.ErrTool,
						fmt.Sprintf("arguments of tool %q are not a JSON object", name),
						err,
					).WithRetryable(true)
					return nil
				}
			}

			output, err := step.Tool.Run(gctx, step.Input).
				Context(map[string]any{"tool_call_id": call.ID}).
				Wait()
			if err != nil {
				if regent.IsAbort(err) && ctx.Err() != nil {
					return err
				}
				step.Err = err
				step.Output = regent.StringOutput("")
				return nil
			}
			step.Output = output
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Agent) toolResultText(res toolResult) (string, error) {
	switch {
	case res.step.Err != nil:
		return render(a.templates.ToolError, map[string]any{"Reason": regent.Explain(res.step.Err)})
	case res.step.Output == nil || res.step.Output.IsEmpty():
		return render(a.templates.NoResult, map[string]any{"ToolName": res.call.FunctionCall.Name})
	default:
		return res.step.Output.Text(), nil
	}
}

// textAnswer converts a plain text answer into final answer arguments. With a custom
// schema, the first JSON object in the text is used.
func textAnswer(text string, custom bool) (string, bool) {
	if !custom {
		data, err := json.Marshal(map[string]any{"response": text})
		return string(data), err == nil
	}

	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return "", false
	}
	data, err := json.Marshal(obj)
	return string(data), err == nil
}

// -----------------------------------------------------------------------------
// Retry and cycle bookkeeping
// -----------------------------------------------------------------------------

type retryCounter struct {
	cfg         ExecutionConfig
	total       int
	consecutive map[string]int
}

func newRetryCounter(cfg ExecutionConfig) *retryCounter {
	return &retryCounter{cfg: cfg, consecutive: make(map[string]int)}
}

// record counts a step and fails once a limit is exceeded.
func (c *retryCounter) record(step regent.RunStep) error {
	name := step.ToolName()
	if !step.Failed() {
		delete(c.consecutive, name)
		return nil
	}

	c.total++
	c.consecutive[name]++
	if c.cfg.TotalMaxRetries > 0 && c.total > c.cfg.TotalMaxRetries {
		return regent.NewError(
			regent.ErrAgent,
			fmt.Sprintf("tool calls failed %d times, exceeding the limit of %d", c.total, c.cfg.TotalMaxRetries),
			step.Err,
		)
	}
	if c.cfg.MaxRetriesPerStep > 0 && c.consecutive[name] > c.cfg.MaxRetriesPerStep {
		return regent.NewError(
			regent.ErrAgent,
			fmt.Sprintf("tool %q failed %d times in a row", name, c.consecutive[name]),
			step.Err,
		)
	}
	return nil
}

type cycleDetector struct {
	threshold int
	last      string
	count     int
}

// register records call and reports whether it completes a cycle.
func (d *cycleDetector) register(call llms.ToolCall) bool {
	if d.threshold <= 0 || call.FunctionCall == nil {
		return false
	}

	key := call.FunctionCall.Name + "\x00" + canonicalArgs(call.FunctionCall.Arguments)
	if key == d.last {
		d.count++
	} else {
		d.last, d.count = key, 1
	}
	return d.count >= d.threshold
}

func (d *cycleDetector) reset() {
	d.last, d.count = "", 0
}

func canonicalArgs(args string) string {
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return args
	}
	data, err := json.Marshal(v)
	if err != nil {
		return args
	}
	return string(data)
}
