package requirement

import (
	"context"
	"slices"
	"strings"

	"github.com/rickchristie/regent"
	"github.com/rickchristie/regent/requirements"
)

// Reasoner turns the rules of all requirements into the [Request] of one agent step.
type Reasoner struct {
	tools       []regent.Tool
	reqs        []requirements.Requirement
	finalAnswer *FinalAnswer
	rc          *regent.RunContext
}

// NewReasoner creates a reasoner over tools plus finalAnswer and initializes reqs
// against them. rc is the agent run the requirements are bound to.
func NewReasoner(
	tools []regent.Tool,
	reqs []requirements.Requirement,
	finalAnswer *FinalAnswer,
	rc *regent.RunContext,
) (*Reasoner, error) {
	all := make([]regent.Tool, 0, len(tools)+1)
	seen := make(map[string]bool, len(tools)+1)
	for _, tool := range append(slices.Clone(tools), regent.Tool(finalAnswer)) {
		if seen[tool.Name()] {
			return nil, regent.Errorf(regent.ErrConfiguration, "duplicate tool name %q", tool.Name())
		}
		seen[tool.Name()] = true
		all = append(all, tool)
	}

	r := &Reasoner{tools: all, finalAnswer: finalAnswer, rc: rc}
	if err := r.Update(reqs); err != nil {
		return nil, err
	}
	return r, nil
}

// FinalAnswer returns the final answer tool.
func (r *Reasoner) FinalAnswer() *FinalAnswer {
	return r.finalAnswer
}

// Tools returns all known tools, the final answer tool last.
func (r *Reasoner) Tools() []regent.Tool {
	return slices.Clone(r.tools)
}

// Update replaces the requirements and initializes them.
func (r *Reasoner) Update(reqs []requirements.Requirement) error {
	for _, req := range reqs {
		if err := req.Init(r.tools, r.rc); err != nil {
			return err
		}
	}
	r.reqs = slices.Clone(reqs)
	return nil
}

type weightedRule struct {
	rule     requirements.Rule
	priority int
}

type verdict struct {
	tool          regent.Tool
	ruled         bool
	allowed       bool
	hidden        bool
	forced        bool
	preventStop   bool
	forcePriority int
}

// CreateRequest evaluates every enabled requirement against state and aggregates their
// rules:
//   - a tool is allowed only if no rule forbids it
//   - a tool is hidden, forced or prevents stopping if any rule says so
//   - hidden tools are never allowed, and once a tool is hidden, tools no rule allowed
//     explicitly are not allowed either (the final answer tool excepted)
//   - the forced tool is the allowed forced tool with the highest forcing priority
//   - stopping is prevented by removing the final answer tool
//
// forceToolCall makes the tool choice "required" instead of "auto".
func (r *Reasoner) CreateRequest(ctx context.Context, state *regent.RunState, forceToolCall bool) (*Request, error) {
	byTool := make(map[string][]weightedRule, len(r.tools))
	for _, req := range r.reqs {
		if !req.Enabled() {
			continue
		}
		rules, err := req.Run(ctx, state).Wait()
		if err != nil {
			return nil, err
		}
		for _, rule := range rules {
			if r.lookup(rule.Target) == nil {
				return nil, regent.Errorf(
					regent.ErrConfiguration,
					"requirement %q produced a rule for tool %q which is not in (%s)",
					req.Name(), rule.Target, strings.Join(r.names(), ","),
				)
			}
			byTool[rule.Target] = append(byTool[rule.Target], weightedRule{rule: rule, priority: req.Priority()})
		}
	}

	verdicts := make([]verdict, 0, len(r.tools))
	anyHidden := false
	for _, tool := range r.tools {
		v := verdict{tool: tool, allowed: true}
		for _, wr := range byTool[tool.Name()] {
			v.ruled = true
			if !wr.rule.Allowed {
				v.allowed = false
			}
			if wr.rule.Hidden {
				v.hidden = true
			}
			if wr.rule.Forced {
				v.forced = true
				v.forcePriority = max(v.forcePriority, wr.priority)
			}
			if wr.rule.PreventStop {
				v.preventStop = true
			}
		}
		anyHidden = anyHidden || v.hidden
		verdicts = append(verdicts, v)
	}

	var (
		allowed     []regent.Tool
		hidden      []regent.Tool
		forced      regent.Tool
		forcedLevel int
		tieWith     regent.Tool
		preventStop bool
	)
	for _, v := range verdicts {
		isAllowed := v.allowed && !v.hidden
		if isAllowed && anyHidden && !v.ruled && v.tool != regent.Tool(r.finalAnswer) {
			isAllowed = false
		}

		if isAllowed {
			allowed = append(allowed, v.tool)
			if v.forced {
				switch {
				case forced == nil || v.forcePriority > forcedLevel:
					forced, forcedLevel, tieWith = v.tool, v.forcePriority, nil
				case v.forcePriority == forcedLevel && tieWith == nil:
					tieWith = v.tool
				}
			}
		}
		if v.hidden {
			hidden = append(hidden, v.tool)
		}
		if v.preventStop {
			preventStop = true
		}
	}

	// Only a tie at the winning level is ambiguous.
	if tieWith != nil {
		return nil, regent.Errorf(
			regent.ErrConfiguration,
			"tools %q and %q are both forced with priority %d",
			forced.Name(), tieWith.Name(), forcedLevel,
		)
	}

	if preventStop {
		allowed = slices.DeleteFunc(allowed, func(t regent.Tool) bool { return t == regent.Tool(r.finalAnswer) })
		if forced == regent.Tool(r.finalAnswer) {
			forced = nil
		}
	}

	if len(allowed) == 0 {
		return nil, regent.Errorf(
			regent.ErrUnsatisfiable,
			"no tool can be called at step %d: the requirements contradict each other (tools: %s, hidden: %s, can stop: %t)",
			len(state.Steps)+1, strings.Join(r.names(), ","), strings.Join(names(hidden), ","), !preventStop,
		)
	}

	choice := regent.ToolChoice{Mode: regent.ToolChoiceAuto}
	switch {
	case len(allowed) == 1:
		choice = regent.ChooseTool(allowed[0])
	case forced != nil:
		choice = regent.ChooseTool(forced)
	case forceToolCall || preventStop:
		choice = regent.ToolChoice{Mode: regent.ToolChoiceRequired}
	}

	return &Request{
		Tools:        slices.Clone(r.tools),
		AllowedTools: allowed,
		HiddenTools:  hidden,
		ToolChoice:   choice,
		FinalAnswer:  r.finalAnswer,
		CanStop:      !preventStop,
	}, nil
}

func (r *Reasoner) lookup(name string) regent.Tool {
	for _, tool := range r.tools {
		if tool.Name() == name {
			return tool
		}
	}
	return nil
}

func (r *Reasoner) names() []string {
	return names(r.tools)
}

func names(tools []regent.Tool) []string {
	out := make([]string, len(tools))
	for i, tool := range tools {
		out[i] = tool.Name()
	}
	return out
}
