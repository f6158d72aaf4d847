package requirements

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/chzyer/readline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/regent"
	"github.com/rickchristie/regent/internal/tt"
)

// scriptedAsk answers with the given decisions in order and records the questions.
type scriptedAsk struct {
	mu      sync.Mutex
	answers []bool
	asked   []string
}

func (s *scriptedAsk) ask(_ context.Context, tool regent.Tool, _ any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, tool.Name())
	if len(s.answers) == 0 {
		return true, nil
	}
	answer := s.answers[0]
	s.answers = s.answers[1:]
	return answer, nil
}

func TestAskPermission_Intercept(t *testing.T) {
	type input struct {
		answers []bool
		opts    []AskOption
		calls   []string
	}
	type expected struct {
		outputs []string
		asked   []string
		rules   []Rule
	}

	denied := DeniedOutput.Text()

	tests := []struct {
		name     string
		input    input
		expected expected
	}{
		{
			name:  "allowed call runs the tool",
			input: input{answers: []bool{true}, calls: []string{"search"}},
			expected: expected{
				outputs: []string{"search output"},
				asked:   []string{"search"},
				rules:   []Rule{},
			},
		},
		{
			name:  "denied call is skipped",
			input: input{answers: []bool{false}, calls: []string{"search"}},
			expected: expected{
				outputs: []string{denied},
				asked:   []string{"search"},
				rules:   []Rule{},
			},
		},
		{
			name:  "asks every time by default",
			input: input{answers: []bool{false, true}, calls: []string{"search", "search"}},
			expected: expected{
				outputs: []string{denied, "search output"},
				asked:   []string{"search", "search"},
				rules:   []Rule{},
			},
		},
		{
			name: "remembered choices",
			input: input{
				answers: []bool{false, true},
				opts:    []AskOption{RememberChoices()},
				calls:   []string{"search", "search", "think"},
			},
			expected: expected{
				outputs: []string{denied, denied, "think output"},
				asked:   []string{"search", "think"},
				rules:   []Rule{{Target: "search"}, {Target: "think", Allowed: true}},
			},
		},
		{
			name: "remembered denial hidden",
			input: input{
				answers: []bool{false},
				opts:    []AskOption{RememberChoices(), HideDisallowed()},
				calls:   []string{"search"},
			},
			expected: expected{
				outputs: []string{denied},
				asked:   []string{"search"},
				rules:   []Rule{{Target: "search", Hidden: true}},
			},
		},
		{
			name: "excluded tool is not asked",
			input: input{
				answers: []bool{false},
				opts:    []AskOption{Exclude(Name("think"))},
				calls:   []string{"think"},
			},
			expected: expected{outputs: []string{"think output"}, rules: []Rule{}},
		},
		{
			name: "only included tools are asked",
			input: input{
				answers: []bool{false},
				opts:    []AskOption{Include(Name("search"))},
				calls:   []string{"think", "search"},
			},
			expected: expected{
				outputs: []string{"think output", denied},
				asked:   []string{"search"},
				rules:   []Rule{},
			},
		},
		{
			name:     "final answer is never asked",
			input:    input{answers: []bool{false}, calls: []string{regent.FinalAnswerName}},
			expected: expected{outputs: []string{"final_answer output"}, rules: []Rule{}},
		},
		{
			name:     "always allow",
			input:    input{answers: []bool{false}, opts: []AskOption{AlwaysAllow()}, calls: []string{"search"}},
			expected: expected{outputs: []string{"search output"}, rules: []Rule{}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			set, tools := newToolset("search", "think", regent.FinalAnswerName)
			script := &scriptedAsk{answers: tc.input.answers}
			req := NewAskPermission(append([]AskOption{WithAskFunc(script.ask)}, tc.input.opts...)...)

			var outputs []string
			var rules []Rule
			inRun(t, func(ctx context.Context, rc *regent.RunContext) error {
				if err := req.Init(tools, rc); err != nil {
					return err
				}
				for _, name := range tc.input.calls {
					out, err := set[name].Run(ctx, map[string]any{"query": "q"}).Wait()
					if err != nil {
						return err
					}
					outputs = append(outputs, out.Text())
				}
				var err error
				rules, err = req.Run(ctx, regent.NewRunState()).Wait()
				return err
			})

			assert.Equal(t, tc.expected.outputs, outputs)
			assert.Equal(t, tc.expected.asked, script.asked)
			assert.Equal(t, tc.expected.rules, rules)
		})
	}
}

func TestAskPermission_DeniedToolIsNotExecuted(t *testing.T) {
	set, tools := newToolset("search")
	req := NewAskPermission(WithAskFunc(func(context.Context, regent.Tool, any) (bool, error) {
		return false, nil
	}))

	inRun(t, func(ctx context.Context, rc *regent.RunContext) error {
		if err := req.Init(tools, rc); err != nil {
			return err
		}
		_, err := set["search"].Run(ctx, map[string]any{}).Wait()
		return err
	})

	assert.Equal(t, 0, set["search"].Calls())
}

func TestAskPermission_AskError(t *testing.T) {
	set, tools := newToolset("search")
	req := NewAskPermission(WithAskFunc(func(context.Context, regent.Tool, any) (bool, error) {
		return false, errors.New("no terminal")
	}))

	var runErr error
	inRun(t, func(ctx context.Context, rc *regent.RunContext) error {
		if err := req.Init(tools, rc); err != nil {
			return err
		}
		_, runErr = set["search"].Run(ctx, map[string]any{}).Wait()
		return nil
	})

	assert.ErrorIs(t, runErr, regent.ErrRequirement)
	assert.Equal(t, 0, set["search"].Calls())
}

func TestAskPermission_Init(t *testing.T) {
	_, tools := newToolset("search")

	tests := []struct {
		name     string
		input    []AskOption
		expected error
	}{
		{name: "defaults", input: nil},
		{name: "unknown include", input: []AskOption{Include(Name("browse"))}, expected: regent.ErrConfiguration},
		{name: "unknown exclude", input: []AskOption{Exclude(Name("browse"))}, expected: regent.ErrConfiguration},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := NewAskPermission(tc.input...)
			assert.Equal(t, DefaultPriority+1, req.Priority())

			inRun(t, func(_ context.Context, rc *regent.RunContext) error {
				err := req.Init(tools, rc)
				if tc.expected != nil {
					tt.AssertErrorKind(t, err, tc.expected)
					return nil
				}
				return err
			})
		})
	}
}

func TestAskWith(t *testing.T) {
	type input struct {
		line string
		err  error
	}
	type expected struct {
		allowed bool
		err     bool
	}

	tests := []struct {
		name     string
		input    input
		expected expected
	}{
		{name: "yes", input: input{line: "yes"}, expected: expected{allowed: true}},
		{name: "y", input: input{line: " Y "}, expected: expected{allowed: true}},
		{name: "yes please", input: input{line: "Yes please"}, expected: expected{allowed: true}},
		{name: "no", input: input{line: "no"}, expected: expected{allowed: false}},
		{name: "anything else", input: input{line: "sure"}, expected: expected{allowed: false}},
		{name: "interrupt", input: input{err: readline.ErrInterrupt}, expected: expected{allowed: false}},
		{name: "eof", input: input{err: io.EOF}, expected: expected{allowed: false}},
		{name: "read error", input: input{err: errors.New("tty gone")}, expected: expected{err: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			readLine := func() (string, error) { return tc.input.line, tc.input.err }

			allowed, err := askWith(context.Background(), &out, readLine, tt.NewMockTool("search", ""), map[string]any{"query": "q"})

			if tc.expected.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected.allowed, allowed)
			assert.Contains(t, out.String(), "The agent wants to use the 'search' tool.")
			assert.Contains(t, out.String(), "map[query:q]")
		})
	}
}

func TestAskWith_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := askWith(ctx, io.Discard, func() (string, error) {
		t.Fatal("must not read")
		return "", nil
	}, tt.NewMockTool("search", ""), nil)

	assert.ErrorIs(t, err, context.Canceled)
}
