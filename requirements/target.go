package requirements

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/rickchristie/regent"
)

// Target refers to a tool symbolically. Targets are resolved against the live tool list
// when a requirement is initialized.
type Target interface {
	// Matches reports whether tool is referred to by the target.
	Matches(tool regent.Tool) bool

	fmt.Stringer
}

type nameTarget string

// Name refers to the tool with the given name.
func Name(name string) Target {
	return nameTarget(name)
}

func (n nameTarget) Matches(tool regent.Tool) bool {
	return tool != nil && tool.Name() == string(n)
}

func (n nameTarget) String() string { return string(n) }

type typeTarget struct {
	typ reflect.Type
}

// TypeOf refers to every tool whose dynamic type is T. When T is an interface, every
// tool implementing it matches.
func TypeOf[T regent.Tool]() Target {
	return typeTarget{typ: reflect.TypeFor[T]()}
}

func (t typeTarget) Matches(tool regent.Tool) bool {
	if tool == nil {
		return false
	}
	actual := reflect.TypeOf(tool)
	if t.typ.Kind() == reflect.Interface {
		return actual.Implements(t.typ)
	}
	return actual == t.typ
}

func (t typeTarget) String() string {
	typ := t.typ
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if name := typ.Name(); name != "" {
		// Generic instantiations carry their type arguments in the name.
		name, _, _ = strings.Cut(name, "[")
		return name
	}
	return typ.String()
}

type instanceTarget struct {
	tool regent.Tool
}

// Instance refers to exactly this tool value.
func Instance(tool regent.Tool) Target {
	return instanceTarget{tool: tool}
}

func (i instanceTarget) Matches(tool regent.Tool) bool {
	return sameTool(i.tool, tool)
}

func (i instanceTarget) String() string { return i.tool.Name() }

// Names converts tool names to targets.
func Names(names ...string) []Target {
	targets := make([]Target, len(names))
	for i, name := range names {
		targets[i] = Name(name)
	}
	return targets
}

// sameTool compares tools by identity.
func sameTool(a, b regent.Tool) bool {
	if a == nil || b == nil {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// sameTarget reports whether two targets refer to tools the same way.
func sameTarget(a, b Target) bool {
	switch a := a.(type) {
	case nameTarget:
		bn, ok := b.(nameTarget)
		return ok && a == bn
	case typeTarget:
		bt, ok := b.(typeTarget)
		return ok && a.typ == bt.typ
	case instanceTarget:
		bi, ok := b.(instanceTarget)
		return ok && sameTool(a.tool, bi.tool)
	}
	return false
}

func containsTarget(targets []Target, t Target) bool {
	for _, x := range targets {
		if sameTarget(x, t) {
			return true
		}
	}
	return false
}

// intersect returns the targets present in both lists.
func intersect(a, b []Target) []Target {
	var out []Target
	for _, t := range a {
		if containsTarget(b, t) {
			out = append(out, t)
		}
	}
	return out
}

// seenIn returns the first target matching tool.
func seenIn(tool regent.Tool, targets []Target) (Target, bool) {
	if tool == nil {
		return nil, false
	}
	for _, t := range targets {
		if t.Matches(tool) {
			return t, true
		}
	}
	return nil, false
}

// assertFound fails when a target does not match any of the tools.
func assertFound(targets []Target, tools []regent.Tool) error {
	for _, target := range targets {
		found := false
		for _, tool := range tools {
			if target.Matches(tool) {
				found = true
				break
			}
		}
		if !found {
			return regent.Errorf(
				regent.ErrConfiguration,
				"tool %q is referenced by a requirement but was not found",
				target,
			)
		}
	}
	return nil
}

func joinTargets(targets []Target) string {
	parts := make([]string, len(targets))
	for i, t := range targets {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}
