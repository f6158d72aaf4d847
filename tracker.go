package regent

import (
	"context"
	"log/slog"
	"sync"
)

// listenerTracker keeps count of non-blocking listeners started while a run is active,
// so the run can wait for all of them before it resolves. Once Wait has drained the
// tracker, listeners started by a handler that outlived its abort run untracked.
type listenerTracker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active int
	closed bool
	logger *slog.Logger
}

func newListenerTracker(logger *slog.Logger) *listenerTracker {
	t := &listenerTracker{logger: logger}
	t.cond = sync.NewCond(&t.mu)
	return t
}

type trackerKey struct{}

func withTracker(ctx context.Context, t *listenerTracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// trackerFromContext returns the tracker of the innermost run, or nil outside of runs.
func trackerFromContext(ctx context.Context) *listenerTracker {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(trackerKey{}).(*listenerTracker)
	return t
}

// Go runs fn on its own goroutine. Listener failures cannot reach the emitter that
// fired them, so they are logged. fn receives a context that is not cancelled when the
// run is aborted.
func (t *listenerTracker) Go(ctx context.Context, meta *EventMeta, fn func(context.Context) error) {
	logger := slog.Default()
	tracked := false
	if t != nil {
		t.mu.Lock()
		if !t.closed || t.active > 0 {
			t.active++
			tracked = true
		}
		t.mu.Unlock()
		if t.logger != nil {
			logger = t.logger
		}
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		if tracked {
			defer t.done()
		}
		if err := fn(detached); err != nil {
			logger.ErrorContext(detached, "non-blocking listener failed",
				"event", meta.Path,
				"event_id", meta.ID,
				"error", err,
			)
		}
	}()
}

func (t *listenerTracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
	if t.active == 0 {
		t.cond.Broadcast()
	}
}

// Wait closes the tracker and blocks until every tracked listener has returned.
// Listeners started by tracked listeners while Wait is blocked are waited for too.
func (t *listenerTracker) Wait() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for t.active > 0 {
		t.cond.Wait()
	}
}
