package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rickchristie/regent"
)

// Metrics exports Prometheus metrics about runs.
type Metrics struct {
	// Runs counts finished runs.
	// Labels: kind (agent|tool|model|requirement|...), target, status (success|error|aborted)
	Runs *prometheus.CounterVec

	// RunDuration measures run latency in seconds.
	// Labels: kind, target
	RunDuration *prometheus.HistogramVec

	// Tokens counts model tokens.
	// Labels: model, type (input|output)
	Tokens *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. Metrics already
// registered by another instance are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "regent",
				Name:      "runs_total",
				Help:      "Total number of finished runs",
			},
			[]string{"kind", "target", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "regent",
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind", "target"},
		),
		Tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "regent",
				Name:      "model_tokens_total",
				Help:      "Total number of model tokens",
			},
			[]string{"model", "type"},
		),
	}

	var err error
	m.Runs, err = register(reg, m.Runs)
	if err != nil {
		return nil, err
	}
	m.RunDuration, err = register(reg, m.RunDuration)
	if err != nil {
		return nil, err
	}
	m.Tokens, err = register(reg, m.Tokens)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Bind implements regent.RunMiddleware.
func (m *Metrics) Bind(rc *regent.RunContext) {
	onLifecycle(rc, func(_ context.Context, ev lifecycleEvent) {
		kind, _, _ := strings.Cut(ev.target, ".")

		switch ev.name {
		case regent.EventSuccess:
			success, _ := ev.data.(*regent.RunSuccessEvent)
			if success == nil {
				return
			}
			if out, ok := success.Output.(*regent.ModelOutput); ok && out != nil {
				m.Tokens.WithLabelValues(ev.target, "input").Add(float64(out.Usage.InputTokens))
				m.Tokens.WithLabelValues(ev.target, "output").Add(float64(out.Usage.OutputTokens))
			}
		case regent.EventFinish:
			finish, _ := ev.data.(*regent.RunFinishEvent)
			var failure *regent.FrameworkError
			if finish != nil {
				failure = finish.Err
			}
			m.Runs.WithLabelValues(kind, ev.target, outcome(failure)).Inc()
			m.RunDuration.WithLabelValues(kind, ev.target).Observe(time.Since(ev.rc.CreatedAt()).Seconds())
		}
	})
}

var _ regent.RunMiddleware = (*Metrics)(nil)
