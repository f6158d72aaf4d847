package regent

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunInstance is anything a run can be entered on: tools, requirements, agents and
// models. The instance's emitter becomes the parent of the run's emitter.
type RunInstance interface {
	Emitter() *Emitter
}

// errContextDestroyed is the cancellation cause of every finished run.
var errContextDestroyed = errors.New("run context has been destroyed")

// RunContext is the execution record of one run.
//
// It owns the run's emitter (a child of the instance emitter, also piped into the
// parent run's emitter) and its cancellation signal. The signal is cancelled when the
// caller's context, the parent run, or an extra signal passed with [WithSignal] is
// cancelled, or when [RunContext.Abort] is called.
//
// The parent of a run is the RunContext carried by the context.Context passed to
// [Enter]. Handlers receive a context carrying their own RunContext, so runs entered
// from inside a handler are nested automatically.
type RunContext struct {
	instance  RunInstance
	runID     string
	parentID  string
	groupID   string
	createdAt time.Time
	params    any
	parent    *RunContext
	emitter   *Emitter
	logger    *slog.Logger
	tracker   *listenerTracker

	ctx    context.Context
	cancel context.CancelCauseFunc
	stops  []func() bool

	mu      sync.Mutex
	values  map[string]any
	destroy sync.Once
}

type runContextKey struct{}

// FromContext returns the RunContext of the innermost run carried by ctx, or nil.
func FromContext(ctx context.Context) *RunContext {
	if ctx == nil {
		return nil
	}
	rc, _ := ctx.Value(runContextKey{}).(*RunContext)
	return rc
}

func newRunContext(ctx context.Context, instance RunInstance, cfg enterConfig) *RunContext {
	if ctx == nil {
		ctx = context.Background()
	}

	parent := FromContext(ctx)
	rc := &RunContext{
		instance:  instance,
		runID:     uuid.NewString(),
		createdAt: time.Now(),
		params:    cfg.params,
		parent:    parent,
		logger:    cfg.logger,
		values:    make(map[string]any),
	}

	if parent != nil {
		rc.parentID = parent.runID
		rc.groupID = parent.groupID
		rc.values = parent.Values()
		delete(rc.values, "id")
		delete(rc.values, "parent_id")
		if rc.logger == nil {
			rc.logger = parent.logger
		}
	} else {
		rc.groupID = uuid.NewString()
	}
	if rc.logger == nil {
		rc.logger = slog.Default()
	}

	rc.emitter = instance.Emitter().Child(
		WithContext(rc.values),
		WithTrace(&EventTrace{
			ID:          rc.groupID,
			RunID:       rc.runID,
			ParentRunID: rc.parentID,
		}),
	)
	if parent != nil {
		rc.emitter.Pipe(parent.emitter)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	rc.cancel = cancel
	if parent != nil {
		rc.stops = append(rc.stops, context.AfterFunc(parent.ctx, func() {
			cancel(context.Cause(parent.ctx))
		}))
	}
	if cfg.signal != nil {
		signal := cfg.signal
		rc.stops = append(rc.stops, context.AfterFunc(signal, func() {
			cancel(context.Cause(signal))
		}))
	}

	rc.tracker = newListenerTracker(rc.logger)
	runCtx = context.WithValue(runCtx, runContextKey{}, rc)
	rc.ctx = withTracker(runCtx, rc.tracker)
	return rc
}

// RunID returns the unique id of the run.
func (rc *RunContext) RunID() string { return rc.runID }

// ParentID returns the run id of the parent run, or an empty string.
func (rc *RunContext) ParentID() string { return rc.parentID }

// GroupID returns the id shared by every run of the call tree.
func (rc *RunContext) GroupID() string { return rc.groupID }

// CreatedAt returns when the run was entered.
func (rc *RunContext) CreatedAt() time.Time { return rc.createdAt }

// Params returns the input parameters the run was entered with.
func (rc *RunContext) Params() any { return rc.params }

// Parent returns the parent run, or nil for root runs.
func (rc *RunContext) Parent() *RunContext { return rc.parent }

// Instance returns the object the run was entered on.
func (rc *RunContext) Instance() RunInstance { return rc.instance }

// Emitter returns the run's emitter.
func (rc *RunContext) Emitter() *Emitter { return rc.emitter }

// Logger returns the logger configured for the run tree.
func (rc *RunContext) Logger() *slog.Logger { return rc.logger }

// Context returns the context handlers must use for blocking work. It is cancelled
// when the run is aborted or destroyed, and carries the RunContext.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Depth returns the number of ancestors of the run.
func (rc *RunContext) Depth() int {
	depth := 0
	for p := rc.parent; p != nil; p = p.parent {
		depth++
	}
	return depth
}

// Values returns a copy of the run's context values.
func (rc *RunContext) Values() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return maps.Clone(rc.values)
}

// SetValues merges values into the run's context values and into the context of every
// event emitted by the run from now on. Nested runs entered afterwards inherit them.
func (rc *RunContext) SetValues(values map[string]any) {
	rc.mu.Lock()
	maps.Copy(rc.values, values)
	rc.mu.Unlock()
	rc.emitter.mergeContext(values)
}

// Aborted reports whether the run's signal has fired.
func (rc *RunContext) Aborted() bool {
	return rc.ctx.Err() != nil
}

// Abort cancels the run and every run nested in it. reason is reported as the cause
// of the resulting [ErrAborted] error.
func (rc *RunContext) Abort(reason error) {
	if reason == nil {
		reason = context.Canceled
	}
	rc.cancel(reason)
}

// Destroy detaches the run's emitter and cancels its signal. It is called
// automatically when the run finishes and is safe to call more than once.
func (rc *RunContext) Destroy() {
	rc.destroy.Do(func() {
		rc.emitter.Destroy()
		for _, stop := range rc.stops {
			stop()
		}
		rc.cancel(errContextDestroyed)
	})
}
