package regent

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

type recorded struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorded) callback(_ context.Context, _ any, meta *EventMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, meta.Path)
	return nil
}

func (r *recorded) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

// -----------------------------------------------------------------------------
// Namespaces and matching
// -----------------------------------------------------------------------------

func TestEmitter_Child_Namespace(t *testing.T) {
	parent := NewEmitter(WithNamespace("agent"))
	child := parent.Child(WithNamespace("tool", "search"))

	assert.Equal(t, []string{"tool", "search", "agent"}, child.Namespace())

	var rec recorded
	parent.Match(Pattern("*.*"), rec.callback, Blocking())
	require.NoError(t, child.Emit(context.Background(), "done", nil))

	assert.Equal(t, []string{"tool.search.agent.done"}, rec.get())
}

func TestEmitter_Matchers(t *testing.T) {
	type input struct {
		matcher Matcher
		opts    []ListenerOption
	}

	tests := []struct {
		name     string
		input    input
		expected []string
	}{
		{
			name:     "star matches own events only",
			input:    input{matcher: Pattern("*")},
			expected: []string{"agent.start", "agent.stop"},
		},
		{
			name:     "star star matches everything",
			input:    input{matcher: Pattern("*.*")},
			expected: []string{"agent.start", "tool.agent.start", "agent.stop"},
		},
		{
			name:     "bare name matches own event",
			input:    input{matcher: Pattern("start")},
			expected: []string{"agent.start"},
		},
		{
			name:     "full path matches nested event",
			input:    input{matcher: Pattern("tool.agent.start")},
			expected: []string{"tool.agent.start"},
		},
		{
			name:     "regexp",
			input:    input{matcher: Regexp(regexp.MustCompile(`\.start$`))},
			expected: []string{"agent.start", "tool.agent.start"},
		},
		{
			name: "matcher func",
			input: input{matcher: MatcherFunc(func(meta *EventMeta) bool {
				return meta.Name == "stop"
			})},
			expected: []string{"agent.stop"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			parent := NewEmitter(WithNamespace("agent"))
			child := parent.Child(WithNamespace("tool"))

			var rec recorded
			parent.Match(tc.input.matcher, rec.callback, append([]ListenerOption{Blocking()}, tc.input.opts...)...)

			ctx := context.Background()
			require.NoError(t, parent.Emit(ctx, "start", nil))
			require.NoError(t, child.Emit(ctx, "start", nil))
			require.NoError(t, parent.Emit(ctx, "stop", nil))

			assert.Equal(t, tc.expected, rec.get())
		})
	}
}

func TestEmitter_SameRunFilter(t *testing.T) {
	always := MatcherFunc(func(*EventMeta) bool { return true })

	tests := []struct {
		name     string
		nested   []ListenerOption
		expected []string
	}{
		{
			name:     "other runs are hidden by default",
			expected: []string{"parent.ping"},
		},
		{
			name:     "match nested opts in",
			nested:   []ListenerOption{MatchNested(true)},
			expected: []string{"parent.ping", "child.parent.ping"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			parent := NewEmitter(WithNamespace("parent"), WithTrace(&EventTrace{ID: "g", RunID: "a"}))
			child := parent.Child(WithNamespace("child"), WithTrace(&EventTrace{ID: "g", RunID: "b", ParentRunID: "a"}))

			var rec recorded
			parent.Match(always, rec.callback, append([]ListenerOption{Blocking()}, tc.nested...)...)

			require.NoError(t, parent.Emit(context.Background(), "ping", nil))
			require.NoError(t, child.Emit(context.Background(), "ping", nil))

			assert.Equal(t, tc.expected, rec.get())
		})
	}
}

// -----------------------------------------------------------------------------
// Emission
// -----------------------------------------------------------------------------

func TestEmitter_Emit_InvalidName(t *testing.T) {
	e := NewEmitter()

	for _, name := range []string{"", "a.b", "with space", "dash-ed"} {
		err := e.Emit(context.Background(), name, nil)
		assert.ErrorIs(t, err, ErrEmitter, name)
	}
}

func TestEmitter_Emit_PayloadType(t *testing.T) {
	e := NewEmitter(WithEvents(map[string]reflect.Type{
		"start": reflect.TypeFor[*RunStartEvent](),
	}))

	assert.NoError(t, e.Emit(context.Background(), "start", &RunStartEvent{}))
	assert.ErrorIs(t, e.Emit(context.Background(), "start", "not an event"), ErrEmitter)
	assert.NoError(t, e.Emit(context.Background(), "other", "anything"))
}

func TestEmitter_Emit_Metadata(t *testing.T) {
	creator := &struct{ name string }{name: "owner"}
	e := NewEmitter(
		WithNamespace("tool"),
		WithCreator(creator),
		WithContext(map[string]any{"tenant": "acme"}),
		WithTrace(&EventTrace{ID: "group", RunID: "run"}),
	)

	var got *EventMeta
	e.On("called", func(_ context.Context, _ any, meta *EventMeta) error {
		got = meta
		return nil
	}, Blocking())

	require.NoError(t, e.Emit(context.Background(), "called", 42))
	require.NotNil(t, got)

	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "called", got.Name)
	assert.Equal(t, "tool.called", got.Path)
	assert.Same(t, e, got.Source)
	assert.Same(t, creator, got.Creator)
	assert.Equal(t, map[string]any{"tenant": "acme"}, got.Context)
	assert.Equal(t, &EventTrace{ID: "group", RunID: "run"}, got.Trace)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestEmitter_Emit_PriorityOrder(t *testing.T) {
	e := NewEmitter()
	var order []string

	e.On("x", func(context.Context, any, *EventMeta) error { order = append(order, "low"); return nil }, Blocking(), WithPriority(-1))
	e.On("x", func(context.Context, any, *EventMeta) error { order = append(order, "default1"); return nil }, Blocking())
	e.On("x", func(context.Context, any, *EventMeta) error { order = append(order, "high"); return nil }, Blocking(), WithPriority(5))
	e.On("x", func(context.Context, any, *EventMeta) error { order = append(order, "default2"); return nil }, Blocking())

	require.NoError(t, e.Emit(context.Background(), "x", nil))
	assert.Equal(t, []string{"high", "default1", "default2", "low"}, order)
}

func TestEmitter_Emit_ListenerError(t *testing.T) {
	e := NewEmitter(WithNamespace("tool"))
	cause := errors.New("rejected")
	calledAfter := false

	e.On("x", func(context.Context, any, *EventMeta) error { return cause }, Blocking(), WithPriority(1))
	e.On("x", func(context.Context, any, *EventMeta) error { calledAfter = true; return nil }, Blocking())

	err := e.Emit(context.Background(), "x", nil)

	assert.ErrorIs(t, err, ErrEmitter)
	assert.ErrorIs(t, err, cause)
	assert.False(t, calledAfter)
}

func TestEmitter_Emit_ListenerPanic(t *testing.T) {
	e := NewEmitter()
	e.On("x", func(context.Context, any, *EventMeta) error { panic("oops") }, Blocking())

	err := e.Emit(context.Background(), "x", nil)

	assert.ErrorIs(t, err, ErrEmitter)
	assert.Contains(t, err.Error(), "oops")
}

func TestEmitter_Emit_MutablePayload(t *testing.T) {
	e := NewEmitter()
	e.On("start", func(_ context.Context, data any, _ *EventMeta) error {
		data.(*RunStartEvent).Output = "short-circuit"
		return nil
	}, Blocking())

	start := &RunStartEvent{}
	require.NoError(t, e.Emit(context.Background(), "start", start))
	assert.Equal(t, "short-circuit", start.Output)
}

func TestEmitter_Emit_NonBlocking(t *testing.T) {
	e := NewEmitter()
	done := make(chan any, 1)
	e.On("x", func(_ context.Context, data any, _ *EventMeta) error {
		done <- data
		return errors.New("logged, not returned")
	})

	require.NoError(t, e.Emit(context.Background(), "x", "payload"))

	select {
	case data := <-done:
		assert.Equal(t, "payload", data)
	case <-time.After(time.Second):
		t.Fatal("non-blocking listener was not called")
	}
}

// -----------------------------------------------------------------------------
// Listener management
// -----------------------------------------------------------------------------

func TestEmitter_Once(t *testing.T) {
	e := NewEmitter()
	calls := 0
	e.On("x", func(context.Context, any, *EventMeta) error { calls++; return nil }, Blocking(), Once())

	require.NoError(t, e.Emit(context.Background(), "x", nil))
	require.NoError(t, e.Emit(context.Background(), "x", nil))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.ListenerCount())
}

func TestEmitter_Cleanup(t *testing.T) {
	e := NewEmitter()
	var rec recorded
	cleanup := e.On("x", rec.callback, Blocking())

	require.NoError(t, e.Emit(context.Background(), "x", nil))
	cleanup()
	cleanup()
	require.NoError(t, e.Emit(context.Background(), "x", nil))

	assert.Equal(t, []string{"x"}, rec.get())
	assert.Equal(t, 0, e.ListenerCount())
}

func keepA(context.Context, any, *EventMeta) error { return nil }
func keepB(context.Context, any, *EventMeta) error { return nil }

func TestEmitter_Off(t *testing.T) {
	type expected struct {
		remaining int
	}

	tests := []struct {
		name     string
		filter   ListenerFilter
		expected expected
	}{
		{
			name:     "empty filter removes all",
			filter:   ListenerFilter{},
			expected: expected{remaining: 0},
		},
		{
			name:     "by callback",
			filter:   ListenerFilter{Callback: keepA},
			expected: expected{remaining: 1},
		},
		{
			name:     "by matcher",
			filter:   ListenerFilter{Matcher: Pattern("y")},
			expected: expected{remaining: 2},
		},
		{
			name:     "by options",
			filter:   ListenerFilter{Options: []ListenerOption{Blocking(), Persistent()}},
			expected: expected{remaining: 2},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEmitter()
			e.On("x", keepA, Blocking())
			e.On("y", keepA, Blocking(), Persistent())
			e.On("x", keepB)

			e.Off(tc.filter)

			assert.Equal(t, tc.expected.remaining, e.ListenerCount())
		})
	}
}

func TestEmitter_Clone(t *testing.T) {
	e := NewEmitter(WithNamespace("agent"))
	e.On("x", keepA, Blocking(), Persistent())
	e.On("x", keepB, Blocking())

	cloned := e.Clone()

	assert.Equal(t, []string{"agent"}, cloned.Namespace())
	assert.Equal(t, 1, cloned.ListenerCount())
	assert.Equal(t, 2, e.ListenerCount())
}

func TestEmitter_Destroy(t *testing.T) {
	parent := NewEmitter(WithNamespace("agent"))
	child := parent.Child(WithNamespace("tool"))

	var rec recorded
	parent.Match(Pattern("*.*"), rec.callback, Blocking())
	child.On("x", keepA, Blocking())
	assert.Equal(t, 1, parent.ChildCount())

	child.Destroy()
	child.Destroy()
	assert.Equal(t, 0, parent.ChildCount())

	require.NoError(t, child.Emit(context.Background(), "x", nil))
	assert.Empty(t, rec.get())
	assert.Equal(t, 0, child.ListenerCount())

	parent.Destroy()
	assert.Equal(t, 0, parent.ListenerCount())

	// Registering on a destroyed emitter is a no-op.
	parent.On("x", keepA, Blocking())
	assert.Equal(t, 0, parent.ListenerCount())
}

func TestEmitter_Pipe(t *testing.T) {
	source := NewEmitter(WithNamespace("source"))
	target := NewEmitter(WithNamespace("target"))

	var rec recorded
	target.Match(Pattern("*.*"), rec.callback, Blocking())

	stop := source.Pipe(target)
	require.NoError(t, source.Emit(context.Background(), "a", nil))
	stop()
	require.NoError(t, source.Emit(context.Background(), "b", nil))

	assert.Equal(t, []string{"source.a"}, rec.get())
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "search", expected: "search"},
		{input: "gpt-4.1", expected: "gpt_4_1"},
		{input: "  web search ", expected: "web_search"},
		{input: "---", expected: "unnamed"},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, SafeName(tc.input))
		})
	}
}

func TestEventMatcher(t *testing.T) {
	owner := &struct{ id int }{id: 1}
	other := &struct{ id int }{id: 2}
	e := NewEmitter(WithCreator(owner), WithTrace(&EventTrace{RunID: "r", ParentRunID: "p"}))

	var rec recorded
	e.Match(EventMatcher("ping", owner, "p"), rec.callback, Blocking())
	e.Match(EventMatcher("ping", other, ""), rec.callback, Blocking())
	e.Match(EventMatcher("ping", owner, "other-parent"), rec.callback, Blocking())

	require.NoError(t, e.Emit(context.Background(), "ping", nil))

	assert.Equal(t, []string{"ping"}, rec.get())
}
