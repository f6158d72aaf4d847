package regent

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"reflect"
	"sync"

	"github.com/rickchristie/regent/internal/buffer"
)

// Handler is the unit of work executed by a run. ctx is the run's context; it carries
// rc so runs entered from inside the handler become its children.
type Handler[R any] func(ctx context.Context, rc *RunContext) (R, error)

// RunMiddleware is attached to a run before it starts. Middlewares usually register
// listeners on rc.Emitter().
type RunMiddleware interface {
	Bind(rc *RunContext)
}

// RunMiddlewareFunc adapts a function to [RunMiddleware].
type RunMiddlewareFunc func(rc *RunContext)

// Bind implements RunMiddleware.
func (f RunMiddlewareFunc) Bind(rc *RunContext) { f(rc) }

type enterConfig struct {
	signal context.Context
	params any
	logger *slog.Logger
}

// EnterOption configures [Enter].
type EnterOption func(*enterConfig)

// WithSignal adds an extra cancellation source. The run is aborted when signal is done,
// in addition to the context passed to Enter.
func WithSignal(signal context.Context) EnterOption {
	return func(c *enterConfig) { c.signal = signal }
}

// WithParams records the input of the run. It is reported as Input on every lifecycle
// event.
func WithParams(params any) EnterOption {
	return func(c *enterConfig) { c.params = params }
}

// WithLogger sets the logger of the run. Nested runs inherit it.
func WithLogger(logger *slog.Logger) EnterOption {
	return func(c *enterConfig) { c.logger = logger }
}

// Enter creates a run of handler on instance. Nothing executes until [Run.Wait] or
// [Run.Events] is called, so listeners attached through the returned Run never miss the
// start event.
//
//	out, err := regent.Enter(ctx, tool, func(ctx context.Context, rc *regent.RunContext) (string, error) {
//	    return search(ctx, query)
//	}, regent.WithParams(query)).
//	    On("custom", onCustom).
//	    Wait()
func Enter[R any](
	ctx context.Context,
	instance RunInstance,
	handler Handler[R],
	opts ...EnterOption,
) *Run[R] {
	var cfg enterConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Run[R]{
		rc:      newRunContext(ctx, instance, cfg),
		handler: handler,
	}
}

// Run is a lazily executed, observable and cancellable unit of work.
//
// On, Match, Observe, Context and Middleware are queued and applied in order right
// before execution starts. The run executes at most once; later calls to Wait return
// the memoized result.
type Run[R any] struct {
	rc      *RunContext
	handler Handler[R]

	mu      sync.Mutex
	pending []func()
	started bool

	once   sync.Once
	output R
	err    error
}

func (r *Run[R]) enqueue(task func()) *Run[R] {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		task()
		return r
	}
	r.pending = append(r.pending, task)
	r.mu.Unlock()
	return r
}

// On registers a listener on the run's emitter.
func (r *Run[R]) On(name string, cb Callback, opts ...ListenerOption) *Run[R] {
	return r.enqueue(func() { r.rc.emitter.On(name, cb, opts...) })
}

// Match registers a listener with an arbitrary matcher on the run's emitter.
func (r *Run[R]) Match(matcher Matcher, cb Callback, opts ...ListenerOption) *Run[R] {
	return r.enqueue(func() { r.rc.emitter.Match(matcher, cb, opts...) })
}

// Observe calls fn with the run's emitter before the run starts.
func (r *Run[R]) Observe(fn func(*Emitter)) *Run[R] {
	return r.enqueue(func() { fn(r.rc.emitter) })
}

// Context merges values into the run's context values.
func (r *Run[R]) Context(values map[string]any) *Run[R] {
	return r.enqueue(func() { r.rc.SetValues(values) })
}

// Middleware binds middlewares to the run.
func (r *Run[R]) Middleware(middlewares ...RunMiddleware) *Run[R] {
	return r.enqueue(func() {
		for _, mw := range middlewares {
			mw.Bind(r.rc)
		}
	})
}

// RunContext returns the run's execution record.
func (r *Run[R]) RunContext() *RunContext {
	return r.rc
}

// Abort cancels the run. See [RunContext.Abort].
func (r *Run[R]) Abort(reason error) {
	r.rc.Abort(reason)
}

// Wait executes the run, if it has not been executed yet, and returns its result.
// Errors are always *FrameworkError values; use [IsAbort] to detect cancellation.
func (r *Run[R]) Wait() (R, error) {
	r.once.Do(r.execute)
	return r.output, r.err
}

type emission struct {
	meta *EventMeta
	data any
}

var errEventsStopped = errors.New("event iteration stopped by consumer")

// Events executes the run in the background and yields every event emitted on the
// run's own emitter (not those of nested runs, not lifecycle events) while it executes.
// Iteration ends when the run finishes; call Wait afterwards for the result. Breaking
// out of the loop aborts the run.
func (r *Run[R]) Events() iter.Seq2[*EventMeta, any] {
	return func(yield func(*EventMeta, any) bool) {
		queue := buffer.NewQueue[emission]()
		cleanup := r.rc.emitter.Match(
			Pattern("*"),
			func(_ context.Context, data any, meta *EventMeta) error {
				queue.Push(emission{meta: meta, data: data})
				return nil
			},
			Blocking(),
			Persistent(),
			MatchNested(false),
		)
		defer cleanup()

		go func() {
			defer queue.Close()
			_, _ = r.Wait()
		}()

		for item := range queue.Receive() {
			if !yield(item.meta, item.data) {
				r.rc.Abort(errEventsStopped)
				queue.Abandon()
				return
			}
		}
	}
}

func (r *Run[R]) execute() {
	r.mu.Lock()
	tasks := r.pending
	r.pending = nil
	r.started = true
	r.mu.Unlock()

	for _, task := range tasks {
		task()
	}
	r.output, r.err = runHandler(r.rc, r.handler)
}

// runHandler drives the lifecycle of one run: start, handler raced against the abort
// signal, success or error, and finally finish followed by teardown.
func runHandler[R any](rc *RunContext, handler Handler[R]) (output R, err error) {
	internal := rc.emitter.Child(
		WithNamespace(runNamespace),
		WithCreator(rc),
		WithContext(map[string]any{contextKeyInternal: true}),
		WithEvents(runEventTypes),
	)
	emitCtx := context.WithoutCancel(rc.ctx)
	input := rc.params

	var failure *FrameworkError
	var result any

	defer func() {
		finish := &RunFinishEvent{Input: input, Output: result, Err: failure}
		if emitErr := internal.Emit(emitCtx, EventFinish, finish); emitErr != nil && err == nil {
			var zero R
			output, err = zero, EnsureError(emitErr)
		}
		rc.tracker.Wait()
		internal.Destroy()
		rc.Destroy()
	}()

	fail := func(cause error) (R, error) {
		failure = EnsureError(cause)
		if emitErr := internal.Emit(emitCtx, EventError, failure); emitErr != nil {
			rc.logger.WarnContext(emitCtx, "error listener failed",
				"run_id", rc.runID,
				"error", emitErr,
			)
		}
		var zero R
		return zero, failure
	}

	start := &RunStartEvent{Input: input}
	if err := internal.Emit(rc.ctx, EventStart, start); err != nil {
		return fail(err)
	}

	if start.Output != nil {
		out, ok := start.Output.(R)
		if !ok {
			return fail(Errorf(
				ErrFramework,
				"start listener produced %T, expected %s",
				start.Output,
				reflect.TypeFor[R](),
			))
		}
		output = out
	} else {
		out, err := race(rc, handler)
		if err != nil {
			return fail(err)
		}
		output = out
	}

	result = output
	if err := internal.Emit(emitCtx, EventSuccess, &RunSuccessEvent{Input: input, Output: output}); err != nil {
		result = nil
		return fail(err)
	}
	return output, nil
}

// race runs handler on its own goroutine and returns whichever comes first: its result
// or the run's abort signal. An aborted handler keeps running until it observes its
// cancelled context.
func race[R any](rc *RunContext, handler Handler[R]) (R, error) {
	type result struct {
		output R
		err    error
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero R
				done <- result{output: zero, err: Errorf(ErrFramework, "run handler panicked: %v", p)}
			}
		}()
		out, err := handler(rc.ctx, rc)
		done <- result{output: out, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-rc.ctx.Done():
		select {
		case res := <-done:
			return res.output, res.err
		default:
		}
		var zero R
		return zero, NewError(ErrAborted, "run has been aborted", context.Cause(rc.ctx))
	}
}
