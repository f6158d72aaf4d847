package requirements

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/rickchristie/regent"
)

// Check is a custom condition of a [Conditional]. Returning false forbids the tool.
type Check func(state *regent.RunState) bool

// Conditional constrains when its source tool may, must or must not be called.
//
// Evaluation order for every step:
//  1. Failed invocations are dropped from the history unless OnlySuccessInvocations(false).
//  2. With ConsecutiveAllowed(false), the tool is forbidden right after itself.
//  3. The tool is forbidden once MaxInvocations is reached.
//  4. History is walked forward: the tool is forbidden as soon as an OnlyBefore tool
//     has been called, and until every OnlyAfter tool has been called.
//  5. Custom checks run; any false result forbids the tool.
//  6. Otherwise the tool is allowed. It is forced right after a ForceAfter tool and at
//     step ForceAtStep. Stopping is prevented while MinInvocations is not reached or
//     while the tool is forced.
//
// A tool that is forbidden at its ForceAtStep makes the evaluation fail with
// [regent.ErrRequirement].
//
// A Conditional may be shared by agents running concurrently. Each Init resolves the
// source tool again, so agents sharing it should offer the same tool under that name.
type Conditional struct {
	Base

	source             Target
	mu                 sync.RWMutex
	sourceTool         regent.Tool
	before             []Target
	after              []Target
	forceAfter         []Target
	minInvocations     int
	maxInvocations     int
	forceAtStep        int
	forceAtStepSet     bool
	onlySuccess        bool
	consecutiveAllowed bool
	checks             []Check

	optName     string
	optPriority *int
	optDisabled bool
}

// Option configures a [Conditional].
type Option func(*Conditional)

// WithName overrides the generated name ("Condition" followed by the tool name).
func WithName(name string) Option {
	return func(c *Conditional) { c.optName = name }
}

// WithPriority sets the priority. It must be positive.
func WithPriority(priority int) Option {
	return func(c *Conditional) { c.optPriority = &priority }
}

// Disabled creates the requirement disabled.
func Disabled() Option {
	return func(c *Conditional) { c.optDisabled = true }
}

// OnlyBefore forbids the tool once any of targets has been called.
func OnlyBefore(targets ...Target) Option {
	return func(c *Conditional) { c.before = append(c.before, targets...) }
}

// OnlyAfter forbids the tool until every one of targets has been called.
func OnlyAfter(targets ...Target) Option {
	return func(c *Conditional) { c.after = append(c.after, targets...) }
}

// ForceAfter forces the tool right after any of targets has been called.
func ForceAfter(targets ...Target) Option {
	return func(c *Conditional) { c.forceAfter = append(c.forceAfter, targets...) }
}

// MinInvocations prevents the agent from stopping before the tool has been called n
// times.
func MinInvocations(n int) Option {
	return func(c *Conditional) { c.minInvocations = n }
}

// MaxInvocations forbids the tool after n calls.
func MaxInvocations(n int) Option {
	return func(c *Conditional) { c.maxInvocations = n }
}

// ForceAtStep forces the tool at the given 1-based step.
func ForceAtStep(step int) Option {
	return func(c *Conditional) {
		c.forceAtStep = step
		c.forceAtStepSet = true
	}
}

// ConsecutiveAllowed sets whether the tool may be called twice in a row. Defaults to
// true.
func ConsecutiveAllowed(allowed bool) Option {
	return func(c *Conditional) { c.consecutiveAllowed = allowed }
}

// OnlySuccessInvocations sets whether failed calls are ignored when counting and
// ordering. Defaults to true.
func OnlySuccessInvocations(only bool) Option {
	return func(c *Conditional) { c.onlySuccess = only }
}

// WithCheck adds a custom condition.
func WithCheck(check Check) Option {
	return func(c *Conditional) { c.checks = append(c.checks, check) }
}

// NewConditional creates a conditional requirement on source. Invalid combinations of
// options are reported as [regent.ErrConfiguration] errors.
func NewConditional(source Target, opts ...Option) (*Conditional, error) {
	c := &Conditional{
		source:             source,
		maxInvocations:     math.MaxInt,
		onlySuccess:        true,
		consecutiveAllowed: true,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.checkInvariants(); err != nil {
		return nil, err
	}

	name := c.optName
	if name == "" {
		name = "Condition" + capitalize(source.String())
	}
	c.Base = NewBase(name, c)
	c.SetEnabled(!c.optDisabled)
	if c.optPriority != nil {
		if err := c.SetPriority(*c.optPriority); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustConditional is like NewConditional but panics on error.
func MustConditional(source Target, opts ...Option) *Conditional {
	c, err := NewConditional(source, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Conditional) checkInvariants() error {
	invalid := func(format string, args ...any) error {
		return regent.Errorf(regent.ErrConfiguration, format, args...)
	}

	if c.source == nil {
		return invalid("conditional requirement needs a source tool")
	}
	if c.minInvocations < 0 {
		return invalid("min invocations must be non negative, got %d", c.minInvocations)
	}
	if c.maxInvocations < 0 {
		return invalid("max invocations must be non negative, got %d", c.maxInvocations)
	}
	if c.minInvocations > c.maxInvocations {
		return invalid(
			"min invocations (%d) must be less than or equal to max invocations (%d)",
			c.minInvocations, c.maxInvocations,
		)
	}
	if containsTarget(c.before, c.source) {
		return invalid("referencing self in 'only before' is not allowed (%s)", c.source)
	}
	if containsTarget(c.forceAfter, c.source) {
		return invalid("referencing self in 'force after' is not allowed (%s)", c.source)
	}
	if both := intersect(c.before, c.after); len(both) > 0 {
		return invalid("tools specified as 'only before' and 'only after' at the same time: %s", joinTargets(both))
	}
	if both := intersect(c.before, c.forceAfter); len(both) > 0 {
		return invalid("tools specified as 'only before' and 'force after' at the same time: %s", joinTargets(both))
	}
	if c.forceAtStepSet && c.forceAtStep < 1 {
		return invalid("force at step must be >= 1, got %d", c.forceAtStep)
	}
	return nil
}

// Source returns the resolved source tool, or nil before Init.
func (c *Conditional) Source() regent.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sourceTool
}

// Init implements Requirement.
func (c *Conditional) Init(tools []regent.Tool, _ *regent.RunContext) error {
	targets := []Target{c.source}
	targets = append(targets, c.before...)
	targets = append(targets, c.after...)
	targets = append(targets, c.forceAfter...)
	if err := assertFound(targets, tools); err != nil {
		return err
	}

	var source regent.Tool
	for _, tool := range tools {
		if !c.source.Matches(tool) {
			continue
		}
		if source != nil && !sameTool(source, tool) {
			return regent.Errorf(regent.ErrConfiguration, "more than one tool matches %s", c.source)
		}
		source = tool
	}

	if _, ok := seenIn(source, c.before); ok {
		return regent.Errorf(regent.ErrConfiguration, "referencing self in 'only before' is not allowed (%s)", source.Name())
	}
	if _, ok := seenIn(source, c.forceAfter); ok && c.consecutiveAllowed {
		return regent.Errorf(
			regent.ErrConfiguration,
			"referencing self in 'force after' is not allowed (%s): it would loop forever, "+
				"disallow consecutive invocations instead",
			source.Name(),
		)
	}

	c.mu.Lock()
	c.sourceTool = source
	c.mu.Unlock()
	return nil
}

// Run implements Requirement.
func (c *Conditional) Run(ctx context.Context, state *regent.RunState) *regent.Run[[]Rule] {
	return c.Evaluate(ctx, state, func(context.Context, *regent.RunContext) ([]Rule, error) {
		return c.evaluate(state)
	})
}

func (c *Conditional) evaluate(state *regent.RunState) ([]Rule, error) {
	source := c.Source()
	if source == nil {
		return nil, regent.Errorf(regent.ErrRequirement, "source tool of %q was not resolved", c.Name())
	}

	steps := state.Steps
	if c.onlySuccess {
		steps = make([]regent.RunStep, 0, len(state.Steps))
		for _, step := range state.Steps {
			if !step.Failed() {
				steps = append(steps, step)
			}
		}
	}

	var last regent.Tool
	if len(steps) > 0 {
		last = steps[len(steps)-1].Tool
	}
	invocations := 0
	for _, step := range steps {
		if sameTool(step.Tool, source) {
			invocations++
		}
	}
	current := len(steps) + 1

	resolve := func(allowed bool) ([]Rule, error) {
		if !allowed && c.forceAtStepSet && c.forceAtStep == current {
			return nil, regent.Errorf(
				regent.ErrRequirement,
				"tool %q cannot be executed at step %d because it has not met all requirements",
				source.Name(), current,
			)
		}

		forced := false
		if allowed {
			_, afterTrigger := seenIn(last, c.forceAfter)
			forced = afterTrigger || (c.forceAtStepSet && c.forceAtStep == current)
		}

		return []Rule{{
			Target:      source.Name(),
			Allowed:     allowed,
			Forced:      forced,
			PreventStop: c.minInvocations > invocations || forced,
		}}, nil
	}

	if !c.consecutiveAllowed && sameTool(last, source) {
		return resolve(false)
	}

	if invocations >= c.maxInvocations {
		return resolve(false)
	}

	if len(c.after) > 0 || len(c.before) > 0 {
		remaining := append([]Target(nil), c.after...)
		for _, step := range steps {
			if step.Tool == nil {
				continue
			}
			if _, ok := seenIn(step.Tool, c.before); ok {
				return resolve(false)
			}
			if matched, ok := seenIn(step.Tool, remaining); ok {
				remaining = removeTarget(remaining, matched)
			}
		}
		if len(remaining) > 0 {
			return resolve(false)
		}
	}

	for _, check := range c.checks {
		if !check(state) {
			return resolve(false)
		}
	}

	return resolve(true)
}

func removeTarget(targets []Target, t Target) []Target {
	out := targets[:0]
	for _, x := range targets {
		if !sameTarget(x, t) {
			out = append(out, x)
		}
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return strings.ReplaceAll(string(r), " ", "")
}
