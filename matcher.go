package regent

import (
	"reflect"
	"regexp"
	"strings"
)

// Matcher selects which events a listener receives.
//
// The available matchers are:
//   - Pattern("*"): every event emitted directly on the listening emitter's namespace
//   - Pattern("*.*"): every event, including those piped from descendants
//   - Pattern("name"): the named event on the listening emitter's namespace
//   - Pattern("a.b.name"): the event with exactly this dotted path
//   - Regexp(re): events whose path matches re
//   - MatcherFunc(fn): events for which fn returns true
//
// "*", bare names and MatcherFunc only see events of the listening emitter's own run
// unless the listener opts in with MatchNested(true). "*.*", dotted paths and regular
// expressions see nested runs by default.
type Matcher interface {
	compile(e *Emitter) (match func(*EventMeta) bool, nested bool)
}

// Pattern is a string matcher. See [Matcher] for the accepted forms.
type Pattern string

func (p Pattern) compile(e *Emitter) (func(*EventMeta) bool, bool) {
	s := string(p)
	switch {
	case s == "*":
		return func(meta *EventMeta) bool {
			return meta.Path == e.path(meta.Name)
		}, false
	case s == "*.*":
		return func(*EventMeta) bool { return true }, true
	case strings.Contains(s, "."):
		return func(meta *EventMeta) bool {
			return meta.Path == s
		}, true
	default:
		return func(meta *EventMeta) bool {
			return meta.Name == s && meta.Path == e.path(meta.Name)
		}, false
	}
}

type regexpMatcher struct {
	re *regexp.Regexp
}

// Regexp matches events whose dotted path matches re.
func Regexp(re *regexp.Regexp) Matcher {
	return regexpMatcher{re: re}
}

func (m regexpMatcher) compile(*Emitter) (func(*EventMeta) bool, bool) {
	return func(meta *EventMeta) bool {
		return m.re.MatchString(meta.Path)
	}, true
}

// MatcherFunc is a predicate over event metadata.
type MatcherFunc func(meta *EventMeta) bool

func (f MatcherFunc) compile(*Emitter) (func(*EventMeta) bool, bool) {
	return f, false
}

// sameMatcher reports whether two matchers were built from the same source.
func sameMatcher(a, b Matcher) bool {
	switch a := a.(type) {
	case Pattern:
		bp, ok := b.(Pattern)
		return ok && a == bp
	case regexpMatcher:
		br, ok := b.(regexpMatcher)
		return ok && a.re == br.re
	case MatcherFunc:
		bf, ok := b.(MatcherFunc)
		return ok && sameFunc(a, bf)
	}
	return false
}

func sameFunc(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != reflect.Func || vb.Kind() != reflect.Func {
		return false
	}
	return va.Pointer() == vb.Pointer()
}

// sameInstance compares two instances by identity without panicking on
// uncomparable dynamic types.
func sameInstance(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// InternalEventMatcher matches lifecycle events (start, success, error, finish) of runs
// entered on instance. When parentRunID is not empty, only runs whose direct parent is
// that run are matched.
func InternalEventMatcher(name string, instance RunInstance, parentRunID string) Matcher {
	path := strings.Join(append([]string{runNamespace}, instance.Emitter().Namespace()...), ".") + "." + name
	return MatcherFunc(func(meta *EventMeta) bool {
		if parentRunID != "" && (meta.Trace == nil || meta.Trace.ParentRunID != parentRunID) {
			return false
		}
		if meta.Path != path {
			return false
		}
		if internal, _ := meta.Context[contextKeyInternal].(bool); !internal {
			return false
		}
		rc, ok := meta.Creator.(*RunContext)
		return ok && sameInstance(rc.Instance(), instance)
	})
}

// EventMatcher matches events with the given name created by instance.
func EventMatcher(name string, instance any, parentRunID string) Matcher {
	return MatcherFunc(func(meta *EventMeta) bool {
		if parentRunID != "" && (meta.Trace == nil || meta.Trace.ParentRunID != parentRunID) {
			return false
		}
		return meta.Name == name && sameInstance(meta.Creator, instance)
	})
}
