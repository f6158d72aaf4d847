package regent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Event metadata
// -----------------------------------------------------------------------------

// EventTrace links an event to the run that produced it.
type EventTrace struct {
	// ID is the group id shared by every run of one call tree.
	ID string

	// RunID is the id of the run the emitting emitter belongs to.
	RunID string

	// ParentRunID is the id of the parent run, empty for root runs.
	ParentRunID string
}

// EventMeta describes a single emission. Listeners must treat it as read-only; only the
// payload passed alongside it may be mutated.
type EventMeta struct {
	ID        string
	Name      string
	Path      string
	CreatedAt time.Time
	Source    *Emitter
	Creator   any
	Context   map[string]any
	Trace     *EventTrace
	DataType  reflect.Type
}

// Callback is invoked for every matched event.
type Callback func(ctx context.Context, data any, meta *EventMeta) error

// CleanupFunc removes whatever registration returned it. Calling it more than once is
// a no-op.
type CleanupFunc func()

// -----------------------------------------------------------------------------
// Listener options
// -----------------------------------------------------------------------------

// ListenerOptions controls how a listener is invoked.
type ListenerOptions struct {
	// MatchNested overrides the matcher's default nested visibility when set.
	MatchNested *bool

	// Blocking listeners are awaited by Emit in priority order. Non-blocking listeners
	// run on their own goroutine and are drained by the enclosing run.
	Blocking bool

	// Once listeners are removed after their first matching event.
	Once bool

	// Persistent listeners are copied by Clone.
	Persistent bool

	// Priority orders blocking listeners; higher runs first, ties run in registration
	// order.
	Priority int
}

// ListenerOption configures a listener.
type ListenerOption func(*ListenerOptions)

// MatchNested sets whether the listener observes events of nested runs.
func MatchNested(nested bool) ListenerOption {
	return func(o *ListenerOptions) {
		o.MatchNested = &nested
	}
}

// Blocking makes Emit wait for the listener before returning.
func Blocking() ListenerOption {
	return func(o *ListenerOptions) { o.Blocking = true }
}

// Once removes the listener after its first invocation.
func Once() ListenerOption {
	return func(o *ListenerOptions) { o.Once = true }
}

// Persistent keeps the listener when the emitter is cloned.
func Persistent() ListenerOption {
	return func(o *ListenerOptions) { o.Persistent = true }
}

// WithPriority sets the listener priority.
func WithPriority(priority int) ListenerOption {
	return func(o *ListenerOptions) { o.Priority = priority }
}

func buildListenerOptions(opts []ListenerOption) ListenerOptions {
	var o ListenerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o ListenerOptions) equal(other ListenerOptions) bool {
	if (o.MatchNested == nil) != (other.MatchNested == nil) {
		return false
	}
	if o.MatchNested != nil && *o.MatchNested != *other.MatchNested {
		return false
	}
	return o.Blocking == other.Blocking &&
		o.Once == other.Once &&
		o.Persistent == other.Persistent &&
		o.Priority == other.Priority
}

// ListenerFilter selects listeners for [Emitter.Off]. Nil fields match everything.
type ListenerFilter struct {
	Matcher  Matcher
	Callback Callback
	Options  []ListenerOption
}

type listener struct {
	id       uint64
	raw      Matcher
	match    func(*EventMeta) bool
	callback Callback
	opts     ListenerOptions
	detached atomic.Bool
}

func (l *listener) call(ctx context.Context, data any, meta *EventMeta) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(ErrEmitter, "listener for %q panicked: %v", meta.Path, r)
		}
	}()

	if err := l.callback(ctx, data, meta); err != nil {
		if errors.Is(err, ErrEmitter) {
			return err
		}
		return NewError(
			ErrEmitter,
			fmt.Sprintf("one of the listeners of %q has failed", meta.Path),
			err,
		).WithContext("event", meta.Path)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Emitter
// -----------------------------------------------------------------------------

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return Errorf(
			ErrEmitter,
			"event name or namespace part must contain only letters, numbers or underscores: %q",
			name,
		)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// SafeName converts s into a valid event name or namespace part.
func SafeName(s string) string {
	safe := strings.Trim(unsafeChars.ReplaceAllString(s, "_"), "_")
	if safe == "" {
		return "unnamed"
	}
	return safe
}

// Emitter is a namespaced, hierarchical publish/subscribe bus.
//
// Every stateful object (tool, requirement, agent, run) owns one. Emitters created with
// [Emitter.Child] forward all of their events to the parent, so a "*.*" listener on an
// ancestor observes everything that happens below it. Emitters must be released with
// [Emitter.Destroy] once their owner is done; destruction detaches every listener and
// every pipe.
//
// Creators are held as plain references and are never dereferenced by the emitter.
type Emitter struct {
	namespace []string
	creator   any
	trace     *EventTrace
	events    map[string]reflect.Type

	mu        sync.Mutex
	context   map[string]any
	listeners []*listener
	cleanups  map[uint64]CleanupFunc
	nextID    uint64
	detach    func()
	destroyed bool
}

type emitterConfig struct {
	namespace []string
	creator   any
	context   map[string]any
	trace     *EventTrace
	events    map[string]reflect.Type
}

// EmitterOption configures [NewEmitter] and [Emitter.Child].
type EmitterOption func(*emitterConfig)

// WithNamespace sets the namespace parts. For children, the parts are prepended to the
// parent's namespace.
func WithNamespace(parts ...string) EmitterOption {
	return func(c *emitterConfig) { c.namespace = parts }
}

// WithCreator sets the owning object reported in EventMeta.Creator.
func WithCreator(creator any) EmitterOption {
	return func(c *emitterConfig) { c.creator = creator }
}

// WithContext merges values into the context copied into every EventMeta.
func WithContext(values map[string]any) EmitterOption {
	return func(c *emitterConfig) { c.context = values }
}

// WithTrace sets the run trace attached to every event.
func WithTrace(trace *EventTrace) EmitterOption {
	return func(c *emitterConfig) { c.trace = trace }
}

// WithEvents registers the payload type of each event name. Emit rejects payloads that
// are not assignable to the registered type.
func WithEvents(events map[string]reflect.Type) EmitterOption {
	return func(c *emitterConfig) { c.events = events }
}

// NewEmitter creates a standalone emitter. It panics if a namespace part is not a valid
// event name.
func NewEmitter(opts ...EmitterOption) *Emitter {
	var cfg emitterConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return newEmitter(cfg)
}

func newEmitter(cfg emitterConfig) *Emitter {
	for _, part := range cfg.namespace {
		if err := validateName(part); err != nil {
			panic(err)
		}
	}

	var trace *EventTrace
	if cfg.trace != nil {
		t := *cfg.trace
		trace = &t
	}

	return &Emitter{
		namespace: slices.Clone(cfg.namespace),
		creator:   cfg.creator,
		trace:     trace,
		events:    maps.Clone(cfg.events),
		context:   maps.Clone(cfg.context),
		cleanups:  make(map[uint64]CleanupFunc),
	}
}

var rootEmitter = sync.OnceValue(func() *Emitter {
	return NewEmitter(WithCreator(&struct{ root bool }{root: true}))
})

// Root returns the process-wide root emitter. Instance emitters are usually children of
// it, so a "*.*" listener on Root observes every event in the process.
func Root() *Emitter {
	return rootEmitter()
}

// Namespace returns a copy of the namespace parts.
func (e *Emitter) Namespace() []string {
	return slices.Clone(e.namespace)
}

// Creator returns the object that owns the emitter.
func (e *Emitter) Creator() any {
	return e.creator
}

// Trace returns a copy of the emitter's trace, or nil.
func (e *Emitter) Trace() *EventTrace {
	if e.trace == nil {
		return nil
	}
	t := *e.trace
	return &t
}

// Context returns a copy of the emitter's context values.
func (e *Emitter) Context() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.context)
}

func (e *Emitter) mergeContext(values map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.context == nil {
		e.context = make(map[string]any, len(values))
	}
	maps.Copy(e.context, values)
}

func (e *Emitter) path(name string) string {
	if len(e.namespace) == 0 {
		return name
	}
	return strings.Join(e.namespace, ".") + "." + name
}

// ListenerCount returns the number of attached listeners, pipes included.
func (e *Emitter) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// ChildCount returns the number of child emitters still piped into this emitter.
func (e *Emitter) ChildCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cleanups)
}

// On subscribes cb to events matched by Pattern(name).
func (e *Emitter) On(name string, cb Callback, opts ...ListenerOption) CleanupFunc {
	return e.Match(Pattern(name), cb, opts...)
}

// Match subscribes cb to events accepted by matcher.
func (e *Emitter) Match(matcher Matcher, cb Callback, opts ...ListenerOption) CleanupFunc {
	return e.register(matcher, cb, buildListenerOptions(opts))
}

func (e *Emitter) register(matcher Matcher, cb Callback, opts ListenerOptions) CleanupFunc {
	match, nested := matcher.compile(e)
	if opts.MatchNested != nil {
		nested = *opts.MatchNested
	}
	if !nested {
		inner := match
		match = func(meta *EventMeta) bool {
			return e.sameRun(meta) && inner(meta)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	l := &listener{
		id:       e.nextID,
		raw:      matcher,
		match:    match,
		callback: cb,
		opts:     opts,
	}
	if e.destroyed {
		l.detached.Store(true)
		return func() {}
	}
	e.listeners = append(e.listeners, l)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.removeLocked(l)
	}
}

func (e *Emitter) sameRun(meta *EventMeta) bool {
	if e.trace == nil {
		return true
	}
	return meta.Trace != nil && meta.Trace.RunID == e.trace.RunID
}

func (e *Emitter) removeLocked(l *listener) {
	l.detached.Store(true)
	e.listeners = slices.DeleteFunc(e.listeners, func(x *listener) bool { return x == l })
}

// Off removes every listener accepted by filter. An empty filter removes all listeners
// of this emitter, but not those of its children.
func (e *Emitter) Off(filter ListenerFilter) {
	var opts *ListenerOptions
	if filter.Options != nil {
		o := buildListenerOptions(filter.Options)
		opts = &o
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = slices.DeleteFunc(e.listeners, func(l *listener) bool {
		if filter.Matcher != nil && !sameMatcher(l.raw, filter.Matcher) {
			return false
		}
		if filter.Callback != nil && !sameFunc(l.callback, filter.Callback) {
			return false
		}
		if opts != nil && !l.opts.equal(*opts) {
			return false
		}
		l.detached.Store(true)
		return true
	})
}

// Child creates an emitter whose namespace is the given namespace followed by this
// emitter's namespace. The child's context is this emitter's context merged with the
// given one; creator, trace and registered events are inherited unless overridden.
// Every event of the child is piped to this emitter.
func (e *Emitter) Child(opts ...EmitterOption) *Emitter {
	var cfg emitterConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	e.mu.Lock()
	values := maps.Clone(e.context)
	e.mu.Unlock()
	if values == nil {
		values = make(map[string]any, len(cfg.context))
	}
	maps.Copy(values, cfg.context)

	events := cfg.events
	if events == nil {
		events = e.events
	}
	creator := cfg.creator
	if creator == nil {
		creator = e.creator
	}

	child := newEmitter(emitterConfig{
		namespace: append(slices.Clone(cfg.namespace), e.namespace...),
		creator:   creator,
		context:   values,
		trace:     cmp.Or(cfg.trace, e.trace),
		events:    events,
	})

	cleanup := child.Pipe(e)

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.cleanups[id] = cleanup
	e.mu.Unlock()

	child.mu.Lock()
	child.detach = func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.cleanups, id)
	}
	child.mu.Unlock()

	return child
}

// Pipe forwards every event of this emitter to target. The returned cleanup stops the
// forwarding.
func (e *Emitter) Pipe(target *Emitter) CleanupFunc {
	return e.Match(
		Pattern("*.*"),
		func(ctx context.Context, data any, meta *EventMeta) error {
			return target.invoke(ctx, data, meta)
		},
		Blocking(),
		Persistent(),
	)
}

// Destroy detaches all listeners, stops all pipes to children and detaches this
// emitter from its parent. It is safe to call more than once.
func (e *Emitter) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	for _, l := range e.listeners {
		l.detached.Store(true)
	}
	e.listeners = nil
	cleanups := e.cleanups
	e.cleanups = make(map[uint64]CleanupFunc)
	detach := e.detach
	e.detach = nil
	e.mu.Unlock()

	for _, cleanup := range cleanups {
		cleanup()
	}
	if detach != nil {
		detach()
	}
}

// Clone creates an emitter with the same namespace, creator, context, trace and
// registered events, carrying over the persistent listeners.
func (e *Emitter) Clone() *Emitter {
	e.mu.Lock()
	cloned := newEmitter(emitterConfig{
		namespace: e.namespace,
		creator:   e.creator,
		context:   e.context,
		trace:     e.trace,
		events:    e.events,
	})
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		if l.opts.Persistent {
			cloned.register(l.raw, l.callback, l.opts)
		}
	}
	return cloned
}

// Emit publishes data under name. Blocking listeners run before Emit returns, in
// descending priority; the first failing blocking listener stops the chain and its
// error is returned.
func (e *Emitter) Emit(ctx context.Context, name string, data any) error {
	if err := validateName(name); err != nil {
		return err
	}

	meta := e.newMeta(name)
	if meta.DataType != nil && data != nil && !reflect.TypeOf(data).AssignableTo(meta.DataType) {
		return Errorf(ErrEmitter, "event %q expects %s payload, got %T", meta.Path, meta.DataType, data)
	}

	return e.invoke(ctx, data, meta)
}

func (e *Emitter) newMeta(name string) *EventMeta {
	e.mu.Lock()
	values := maps.Clone(e.context)
	e.mu.Unlock()

	return &EventMeta{
		ID:        uuid.NewString(),
		Name:      name,
		Path:      e.path(name),
		CreatedAt: time.Now(),
		Source:    e,
		Creator:   e.creator,
		Context:   values,
		Trace:     e.Trace(),
		DataType:  e.events[name],
	}
}

func (e *Emitter) invoke(ctx context.Context, data any, meta *EventMeta) error {
	e.mu.Lock()
	var matched []*listener
	var fired []*listener
	for _, l := range e.listeners {
		if !l.match(meta) {
			continue
		}
		matched = append(matched, l)
		if l.opts.Once {
			fired = append(fired, l)
		}
	}
	if len(fired) > 0 {
		e.listeners = slices.DeleteFunc(e.listeners, func(l *listener) bool {
			return slices.Contains(fired, l)
		})
	}
	e.mu.Unlock()

	slices.SortStableFunc(matched, func(a, b *listener) int {
		return cmp.Compare(b.opts.Priority, a.opts.Priority)
	})

	tracker := trackerFromContext(ctx)
	for _, l := range matched {
		if l.detached.Load() {
			continue
		}
		if l.opts.Blocking {
			if err := l.call(ctx, data, meta); err != nil {
				return err
			}
			continue
		}
		tracker.Go(ctx, meta, func(ctx context.Context) error {
			return l.call(ctx, data, meta)
		})
	}
	return nil
}
