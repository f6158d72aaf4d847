// Package requirements defines the declarative policies that decide, at every agent
// step, which tools are allowed, forced or hidden and whether the agent may stop.
//
// A [Requirement] inspects the agent's [regent.RunState] and returns [Rule] values
// about individual tools. Rules of all requirements are aggregated by the reasoner of
// the requirement agent.
//
//	search := regent.NewToolFunc("search", ...)
//	think := regent.NewToolFunc("think", ...)
//
//	reqs := []requirements.Requirement{
//	    // Think first.
//	    requirements.MustConditional(requirements.Instance(think), requirements.ForceAtStep(1)),
//	    // Search at most three times, and only after thinking.
//	    requirements.MustConditional(requirements.Instance(search),
//	        requirements.OnlyAfter(requirements.Instance(think)),
//	        requirements.MaxInvocations(3),
//	    ),
//	}
package requirements

import (
	"context"
	"fmt"

	"github.com/rickchristie/regent"
)

// DefaultPriority is the priority of requirements that do not set one.
const DefaultPriority = 10

// Requirement is a named, prioritized policy over tool usage.
type Requirement interface {
	regent.RunInstance

	// Name identifies the requirement in events and errors.
	Name() string

	// Priority breaks ties between requirements forcing tools. Higher wins.
	Priority() int

	// Enabled reports whether the reasoner should evaluate the requirement.
	Enabled() bool

	// Init resolves tool references against the tools of the agent run. It is called
	// once per run, before the first evaluation, and fails on invalid references.
	Init(tools []regent.Tool, rc *regent.RunContext) error

	// Run evaluates the requirement against state.
	Run(ctx context.Context, state *regent.RunState) *regent.Run[[]Rule]
}

// Base carries the bookkeeping shared by requirement implementations. Embed it and
// initialize it with [NewBase].
type Base struct {
	name        string
	priority    int
	disabled    bool
	owner       regent.RunInstance
	emitter     *regent.Emitter
	middlewares []regent.RunMiddleware
}

// NewBase creates the base of the requirement owner. Its emitter lives under
// "requirement.<name>".
func NewBase(name string, owner regent.RunInstance) Base {
	return Base{
		name:     name,
		priority: DefaultPriority,
		owner:    owner,
		emitter: regent.Root().Child(
			regent.WithNamespace("requirement", regent.SafeName(name)),
			regent.WithCreator(owner),
		),
	}
}

// Name returns the requirement name.
func (b *Base) Name() string { return b.name }

// Priority returns the priority. Rules of higher priority requirements win.
func (b *Base) Priority() int { return b.priority }

// Enabled reports whether the reasoner evaluates the requirement.
func (b *Base) Enabled() bool { return !b.disabled }

// Emitter returns the emitter every run of the requirement is attached to.
func (b *Base) Emitter() *regent.Emitter { return b.emitter }

// SetEnabled turns evaluation of the requirement on or off.
func (b *Base) SetEnabled(enabled bool) { b.disabled = !enabled }

// Use appends middlewares applied to every run of the requirement.
func (b *Base) Use(mw ...regent.RunMiddleware) { b.middlewares = append(b.middlewares, mw...) }

// SetPriority changes the priority. Priorities must be positive.
func (b *Base) SetPriority(priority int) error {
	if priority <= 0 {
		return regent.Errorf(
			regent.ErrConfiguration,
			"priority of requirement %q must be a positive integer, got %d",
			b.name, priority,
		)
	}
	b.priority = priority
	return nil
}

// Init does nothing. Requirements referencing tools override it.
func (b *Base) Init([]regent.Tool, *regent.RunContext) error {
	return nil
}

// Evaluate runs fn in a run entered on the requirement, so observers see the
// evaluation under "requirement.<name>".
func (b *Base) Evaluate(
	ctx context.Context,
	state *regent.RunState,
	fn regent.Handler[[]Rule],
) *regent.Run[[]Rule] {
	var instance regent.RunInstance = b
	if b.owner != nil {
		instance = b.owner
	}
	return regent.Enter(ctx, instance, fn, regent.WithParams(state)).Middleware(b.middlewares...)
}

// -----------------------------------------------------------------------------
// FuncRequirement
// -----------------------------------------------------------------------------

// Func is the decision function of a [FuncRequirement].
type Func func(ctx context.Context, state *regent.RunState, rc *regent.RunContext) ([]Rule, error)

// FuncRequirement is a requirement backed by a plain function.
type FuncRequirement struct {
	Base
	fn      Func
	targets []Target
}

// New creates a requirement from fn. Initialization fails when one of the declared
// targets is not among the agent's tools.
func New(name string, fn Func, targets ...Target) *FuncRequirement {
	r := &FuncRequirement{fn: fn, targets: targets}
	r.Base = NewBase(name, r)
	return r
}

// Init implements Requirement.
func (r *FuncRequirement) Init(tools []regent.Tool, _ *regent.RunContext) error {
	return assertFound(r.targets, tools)
}

// Run implements Requirement.
func (r *FuncRequirement) Run(ctx context.Context, state *regent.RunState) *regent.Run[[]Rule] {
	return r.Evaluate(ctx, state, func(ctx context.Context, rc *regent.RunContext) ([]Rule, error) {
		return r.fn(ctx, state, rc)
	})
}

func (r *FuncRequirement) String() string {
	return fmt.Sprintf("FuncRequirement(%s)", r.name)
}
