package middleware

import (
	"context"
	"errors"

	"github.com/rickchristie/regent"
)

type component struct {
	emitter *regent.Emitter
}

func newComponent(kind, name string) *component {
	return &component{emitter: regent.Root().Child(regent.WithNamespace(kind, name))}
}

func (c *component) Emitter() *regent.Emitter { return c.emitter }

// runNested runs agent.planner, which runs tool.search with childErr as its outcome.
func runNested(ctx context.Context, mw regent.RunMiddleware, childErr error) (string, error) {
	parent := newComponent("agent", "planner")
	child := newComponent("tool", "search")

	return regent.Enter(ctx, parent, func(ctx context.Context, _ *regent.RunContext) (string, error) {
		return regent.Enter(ctx, child, func(context.Context, *regent.RunContext) (string, error) {
			if childErr != nil {
				return "", childErr
			}
			return "found", nil
		}).Wait()
	}).Middleware(mw).Wait()
}

var errBoom = errors.New("boom")
