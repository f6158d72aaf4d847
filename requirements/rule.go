package requirements

import "fmt"

// Rule is the verdict of one requirement about one tool for the current step.
//
// The zero value forbids the tool; use [Allow] and [Forbid] to build rules.
type Rule struct {
	// Target is the name of the tool the rule applies to.
	Target string

	// Allowed reports whether the tool may be called.
	Allowed bool

	// Forced asks for the tool to be the only acceptable call.
	Forced bool

	// Hidden removes the tool from the model's view for this step.
	Hidden bool

	// PreventStop forbids the agent from giving its final answer this step.
	PreventStop bool
}

// Allow returns a rule allowing target.
func Allow(target string) Rule {
	return Rule{Target: target, Allowed: true}
}

// Forbid returns a rule forbidding target.
func Forbid(target string) Rule {
	return Rule{Target: target}
}

func (r Rule) String() string {
	return fmt.Sprintf(
		"%s(allowed=%t forced=%t hidden=%t prevent_stop=%t)",
		r.Target, r.Allowed, r.Forced, r.Hidden, r.PreventStop,
	)
}
