package requirement

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/rickchristie/regent"
)

// Request is the reasoner's decision for one agent step.
type Request struct {
	// Tools are all known tools, the final answer tool last.
	Tools []regent.Tool

	// AllowedTools are the tools the model may call this step. Never empty.
	AllowedTools []regent.Tool

	// HiddenTools are known tools not revealed to the model this step.
	HiddenTools []regent.Tool

	// ToolChoice is "auto", "required", or the single tool the model must call.
	ToolChoice regent.ToolChoice

	// FinalAnswer is the run's final answer tool.
	FinalAnswer *FinalAnswer

	// CanStop reports whether the final answer is permitted this step.
	CanStop bool
}

// IsAllowed reports whether tool may be called this step.
func (r *Request) IsAllowed(tool regent.Tool) bool {
	return slices.ContainsFunc(r.AllowedTools, func(t regent.Tool) bool { return t.Name() == tool.Name() })
}

// IsHidden reports whether tool is hidden this step.
func (r *Request) IsHidden(tool regent.Tool) bool {
	return slices.ContainsFunc(r.HiddenTools, func(t regent.Tool) bool { return t.Name() == tool.Name() })
}

// VisibleTools returns the known tools minus the hidden ones.
func (r *Request) VisibleTools() []regent.Tool {
	return slices.DeleteFunc(slices.Clone(r.Tools), r.IsHidden)
}

// Table renders the request as a fixed-width table, one tool per line.
//
//	TOOL          ALLOWED  HIDDEN
//	search        yes      no
//	final_answer  no       no
//	tool_choice: search
//	can_stop: false
func (r *Request) Table() string {
	if r == nil {
		return ""
	}

	width := len("TOOL")
	for _, tool := range r.Tools {
		width = max(width, len(tool.Name()))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-*s  %-7s  %s\n", width, "TOOL", "ALLOWED", "HIDDEN")
	for _, tool := range r.Tools {
		fmt.Fprintf(&sb, "%-*s  %-7s  %s\n", width, tool.Name(), yesNo(r.IsAllowed(tool)), yesNo(r.IsHidden(tool)))
	}
	fmt.Fprintf(&sb, "tool_choice: %s\n", r.ToolChoice)
	fmt.Fprintf(&sb, "can_stop: %t\n", r.CanStop)
	return sb.String()
}

// Diff returns a unified diff from prev to r, or an empty string when nothing changed.
func (r *Request) Diff(prev *Request) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(prev.Table()),
		B:        difflib.SplitLines(r.Table()),
		FromFile: "previous",
		ToFile:   "current",
		Context:  1,
	})
	if err != nil {
		return ""
	}
	return diff
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
