package requirements

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/rickchristie/regent"
)

// DeniedOutput replaces the output of a tool call the user did not allow.
const DeniedOutput = regent.StringOutput("This tool is not allowed to be used.")

// AskFunc decides whether tool may run with input.
type AskFunc func(ctx context.Context, tool regent.Tool, input any) (bool, error)

// AskPermission asks before each call of the included tools.
//
// It intercepts the start event of every tool run nested in the agent run. When the
// call is denied, the tool is skipped and the model receives [DeniedOutput] instead.
// Remembered choices are reported as rules, so remembered denials also remove the
// tool from the allowed set.
type AskPermission struct {
	Base

	include        []Target
	exclude        []Target
	ask            AskFunc
	remember       bool
	hideDisallowed bool
	alwaysAllow    bool

	mu      sync.Mutex
	choices map[string]bool
	order   []string
}

// AskOption configures [AskPermission].
type AskOption func(*AskPermission)

// Include restricts the requirement to targets. By default every tool is included.
func Include(targets ...Target) AskOption {
	return func(a *AskPermission) { a.include = append(a.include, targets...) }
}

// Exclude never asks for targets. The final answer tool is always excluded.
func Exclude(targets ...Target) AskOption {
	return func(a *AskPermission) { a.exclude = append(a.exclude, targets...) }
}

// WithAskFunc replaces the terminal prompt.
func WithAskFunc(fn AskFunc) AskOption {
	return func(a *AskPermission) { a.ask = fn }
}

// RememberChoices asks only once per tool.
func RememberChoices() AskOption {
	return func(a *AskPermission) { a.remember = true }
}

// HideDisallowed hides remembered denied tools from the model.
func HideDisallowed() AskOption {
	return func(a *AskPermission) { a.hideDisallowed = true }
}

// AlwaysAllow allows every call without asking.
func AlwaysAllow() AskOption {
	return func(a *AskPermission) { a.alwaysAllow = true }
}

// NewAskPermission creates the requirement. Its priority is one above the default, so
// its remembered denials are evaluated before ordinary requirements.
func NewAskPermission(opts ...AskOption) *AskPermission {
	a := &AskPermission{choices: make(map[string]bool)}
	for _, opt := range opts {
		opt(a)
	}
	a.exclude = append(a.exclude, Name(regent.FinalAnswerName))
	if a.ask == nil {
		a.ask = AskInTerminal
	}

	a.Base = NewBase("ask_permission", a)
	a.priority = DefaultPriority + 1
	return a
}

// Init implements Requirement. It registers the interception listeners on the agent
// run's emitter, so they are released together with the run.
func (a *AskPermission) Init(tools []regent.Tool, rc *regent.RunContext) error {
	if err := assertFound(a.include, tools); err != nil {
		return err
	}
	for _, target := range a.exclude {
		if _, ok := target.(nameTarget); ok && target.String() == regent.FinalAnswerName {
			continue
		}
		if err := assertFound([]Target{target}, tools); err != nil {
			return err
		}
	}

	for _, tool := range tools {
		if _, ok := seenIn(tool, a.exclude); ok {
			continue
		}
		if len(a.include) > 0 {
			if _, ok := seenIn(tool, a.include); !ok {
				continue
			}
		}

		rc.Emitter().Match(
			regent.InternalEventMatcher(regent.EventStart, tool, rc.RunID()),
			func(ctx context.Context, data any, _ *regent.EventMeta) error {
				start, ok := data.(*regent.RunStartEvent)
				if !ok {
					return nil
				}
				return a.intercept(ctx, tool, start)
			},
			regent.Blocking(),
			regent.Persistent(),
			regent.MatchNested(true),
		)
	}
	return nil
}

func (a *AskPermission) intercept(ctx context.Context, tool regent.Tool, start *regent.RunStartEvent) error {
	allowed, known := true, a.alwaysAllow
	if !known {
		a.mu.Lock()
		allowed, known = a.choices[tool.Name()]
		a.mu.Unlock()
	}

	if !known {
		var err error
		allowed, err = a.ask(ctx, tool, start.Input)
		if err != nil {
			return regent.NewError(
				regent.ErrRequirement,
				fmt.Sprintf("cannot ask for permission to use %q", tool.Name()),
				err,
			)
		}
		if a.remember {
			a.mu.Lock()
			if _, seen := a.choices[tool.Name()]; !seen {
				a.order = append(a.order, tool.Name())
			}
			a.choices[tool.Name()] = allowed
			a.mu.Unlock()
		}
	}

	if !allowed {
		start.Output = DeniedOutput
	}
	return nil
}

// Run implements Requirement.
func (a *AskPermission) Run(ctx context.Context, state *regent.RunState) *regent.Run[[]Rule] {
	return a.Evaluate(ctx, state, func(context.Context, *regent.RunContext) ([]Rule, error) {
		a.mu.Lock()
		defer a.mu.Unlock()

		rules := make([]Rule, 0, len(a.order))
		for _, name := range a.order {
			allowed := a.choices[name]
			rules = append(rules, Rule{
				Target:  name,
				Allowed: allowed,
				Hidden:  !allowed && a.hideDisallowed,
			})
		}
		return rules, nil
	})
}

// -----------------------------------------------------------------------------
// Terminal prompt
// -----------------------------------------------------------------------------

var terminalMu sync.Mutex

// AskInTerminal asks on the controlling terminal. Concurrent questions are serialized.
func AskInTerminal(ctx context.Context, tool regent.Tool, input any) (bool, error) {
	terminalMu.Lock()
	defer terminalMu.Unlock()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "Do you allow it? (yes/no): ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return false, fmt.Errorf("open terminal: %w", err)
	}
	defer rl.Close()

	return askWith(ctx, rl.Stdout(), rl.Readline, tool, input)
}

func askWith(
	ctx context.Context,
	out io.Writer,
	readLine func() (string, error),
	tool regent.Tool,
	input any,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fmt.Fprintf(out, "The agent wants to use the '%s' tool.\nInput: %v\n", tool.Name(), input)
	line, err := readLine()
	if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isYes(line), nil
}

func isYes(answer string) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || strings.HasPrefix(answer, "yes")
}
