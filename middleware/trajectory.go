package middleware

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rickchristie/regent"
)

// Trajectory logs the start and the outcome of every run, indented by nesting depth.
//
//	INFO  -> agent.requirement  run_id=...
//	INFO    -> requirement.ConditionSearch  run_id=...
//	INFO    <- requirement.ConditionSearch  status=success duration=1.2ms
//	INFO    -> model.gpt_4_1  run_id=...
type Trajectory struct {
	logger *slog.Logger
	level  slog.Level
	filter func(target string) bool
}

// TrajectoryOption configures [Trajectory].
type TrajectoryOption func(*Trajectory)

// WithLevel sets the level of the start and success records. Errors are always logged
// at error level.
func WithLevel(level slog.Level) TrajectoryOption {
	return func(t *Trajectory) { t.level = level }
}

// WithTargets logs only runs whose target (for example "tool.search") has one of the
// given prefixes.
func WithTargets(prefixes ...string) TrajectoryOption {
	return func(t *Trajectory) {
		t.filter = func(target string) bool {
			for _, prefix := range prefixes {
				if strings.HasPrefix(target, prefix) {
					return true
				}
			}
			return false
		}
	}
}

// NewTrajectory creates the middleware. A nil logger logs to the run's logger.
func NewTrajectory(logger *slog.Logger, opts ...TrajectoryOption) *Trajectory {
	t := &Trajectory{logger: logger, level: slog.LevelInfo}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind implements regent.RunMiddleware.
func (t *Trajectory) Bind(rc *regent.RunContext) {
	logger := t.logger
	if logger == nil {
		logger = rc.Logger()
	}
	base := rc.Depth()

	onLifecycle(rc, func(ctx context.Context, ev lifecycleEvent) {
		if t.filter != nil && !t.filter(ev.target) {
			return
		}

		indent := strings.Repeat("  ", max(ev.rc.Depth()-base, 0))
		attrs := []slog.Attr{
			slog.String("run_id", ev.rc.RunID()),
			slog.String("parent_run_id", ev.rc.ParentID()),
		}

		switch ev.name {
		case regent.EventStart:
			logger.LogAttrs(ctx, t.level, indent+"-> "+ev.target, attrs...)
		case regent.EventFinish:
			finish, _ := ev.data.(*regent.RunFinishEvent)
			var failure *regent.FrameworkError
			if finish != nil {
				failure = finish.Err
			}
			attrs = append(attrs,
				slog.String("status", outcome(failure)),
				slog.Duration("duration", time.Since(ev.rc.CreatedAt())),
			)
			level := t.level
			if failure != nil && !regent.IsAbort(failure) {
				level = slog.LevelError
				attrs = append(attrs, slog.String("error", failure.Error()))
			}
			logger.LogAttrs(ctx, level, indent+"<- "+ev.target, attrs...)
		}
	})
}

var _ regent.RunMiddleware = (*Trajectory)(nil)
