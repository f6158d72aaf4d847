package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rickchristie/regent"
	"github.com/rickchristie/regent/agents/requirement"
	"github.com/rickchristie/regent/middleware"
	"github.com/rickchristie/regent/requirements"
	"github.com/rickchristie/regent/schema"
)

type planOptions struct {
	configPath string
	tools      []string
	history    []string
	diff       bool
	trace      bool
	verbose    bool
}

func planCmd() *cobra.Command {
	var opts planOptions
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show which tools the requirements allow after a tool-call history",
		Long: "Evaluates the requirements against a simulated history and prints the resulting\n" +
			"request. A history entry ending in '!' is a failed invocation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "requirements YAML file")
	cmd.Flags().StringSliceVar(&opts.tools, "tools", nil, "available tool names")
	cmd.Flags().StringSliceVar(&opts.history, "history", nil, "tool names invoked so far, in order")
	cmd.Flags().BoolVar(&opts.diff, "diff", false, "print how the request changes after every history step")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "print OpenTelemetry spans to stderr")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log every requirement run to stderr")
	_ = cmd.MarkFlagRequired("tools")
	return cmd
}

type planner struct {
	emitter *regent.Emitter
}

func (p *planner) Emitter() *regent.Emitter { return p.emitter }

func runPlan(ctx context.Context, stdout, stderr io.Writer, opts planOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var reqs []requirements.Requirement
	if opts.configPath != "" {
		cfg, err := requirementsConfig(opts.configPath)
		if err != nil {
			return err
		}
		if reqs, err = cfg.Build(); err != nil {
			return err
		}
	}

	tools := make([]regent.Tool, 0, len(opts.tools))
	for _, name := range opts.tools {
		tools = append(tools, stubTool(strings.TrimSpace(name)))
	}

	var middlewares []regent.RunMiddleware
	if opts.verbose {
		logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		middlewares = append(middlewares, middleware.NewTrajectory(logger))
	}
	if opts.trace {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		middlewares = append(middlewares, middleware.NewTracing(tp))
	}

	p := &planner{emitter: regent.Root().Child(regent.WithNamespace("cli", "plan"))}
	_, err := regent.Enter(ctx, p, func(ctx context.Context, rc *regent.RunContext) (struct{}, error) {
		state := regent.NewRunState()
		finalAnswer, err := requirement.NewFinalAnswer(state, "", nil)
		if err != nil {
			return struct{}{}, err
		}
		reasoner, err := requirement.NewReasoner(tools, reqs, finalAnswer, rc)
		if err != nil {
			return struct{}{}, err
		}

		byName := make(map[string]regent.Tool, len(tools)+1)
		for _, tool := range reasoner.Tools() {
			byName[tool.Name()] = tool
		}

		prev, err := reasoner.CreateRequest(ctx, state, false)
		if err != nil {
			return struct{}{}, err
		}
		for i, entry := range opts.history {
			step, err := historyStep(byName, entry, i+1)
			if err != nil {
				return struct{}{}, err
			}
			state.Iteration = i + 1
			state.Steps = append(state.Steps, step)

			next, err := reasoner.CreateRequest(ctx, state, false)
			if err != nil {
				return struct{}{}, err
			}
			if opts.diff {
				fmt.Fprintf(stdout, "after %s:\n%s", entry, next.Diff(prev))
			}
			prev = next
		}

		fmt.Fprint(stdout, prev.Table())
		return struct{}{}, nil
	}).Middleware(middlewares...).Wait()
	return err
}

func historyStep(tools map[string]regent.Tool, entry string, iteration int) (regent.RunStep, error) {
	name, failed := strings.CutSuffix(strings.TrimSpace(entry), "!")
	tool, ok := tools[name]
	if !ok {
		return regent.RunStep{}, regent.Errorf(regent.ErrConfiguration, "history references unknown tool %q", name)
	}
	step := regent.RunStep{
		ID:        fmt.Sprintf("step_%d", iteration),
		Iteration: iteration,
		Tool:      tool,
		Input:     map[string]any{},
		Output:    regent.StringOutput(""),
	}
	if failed {
		step.Output = nil
		step.Err = regent.Errorf(regent.ErrTool, "tool %q has failed", name)
	}
	return step, nil
}

func stubTool(name string) regent.Tool {
	return regent.NewToolFunc(
		name,
		"Placeholder for "+name,
		schema.Object(map[string]*schema.Property{
			"input": schema.String("Tool input"),
		}),
		func(context.Context, map[string]any) (regent.ToolOutput, error) {
			return regent.StringOutput(""), nil
		},
	)
}

func requirementsConfig(path string) (*requirements.Config, error) {
	return requirements.LoadConfigFile(path)
}
