package requirement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/regent"
	"github.com/rickchristie/regent/internal/tt"
	"github.com/rickchristie/regent/schema"
)

var citySchema = schema.Object(map[string]*schema.Property{
	"city":       schema.String("City name"),
	"population": schema.Integer("Population in millions"),
}, "city")

func TestFinalAnswer_Run(t *testing.T) {
	type input struct {
		instructions string
		schema       map[string]any
		args         map[string]any
	}
	type expected struct {
		answer   string
		answered bool
		err      error
	}

	tests := []struct {
		name     string
		input    input
		expected expected
	}{
		{
			name:     "default schema",
			input:    input{args: map[string]any{"response": "Paris"}},
			expected: expected{answer: "Paris", answered: true},
		},
		{
			name:     "default schema with empty response",
			input:    input{args: map[string]any{"response": ""}},
			expected: expected{answer: "", answered: true},
		},
		{
			name:     "default schema missing response",
			input:    input{args: map[string]any{"answer": "Paris"}},
			expected: expected{err: regent.ErrTool},
		},
		{
			name:     "default schema with non string response",
			input:    input{args: map[string]any{"response": 42}},
			expected: expected{err: regent.ErrTool},
		},
		{
			name: "custom schema",
			input: input{
				schema: citySchema,
				args:   map[string]any{"population": 2, "city": "Paris"},
			},
			expected: expected{answer: `{"city":"Paris","population":2}`, answered: true},
		},
		{
			name: "custom schema violation",
			input: input{
				schema: citySchema,
				args:   map[string]any{"population": "many"},
			},
			expected: expected{err: regent.ErrTool},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			state := regent.NewRunState()
			fa, err := NewFinalAnswer(state, tc.input.instructions, tc.input.schema)
			require.NoError(t, err)

			out, err := fa.Run(context.Background(), tc.input.args).Wait()
			answer, answered := state.Answer()
			if tc.expected.err != nil {
				tt.AssertErrorKind(t, err, tc.expected.err)
				assert.True(t, regent.EnsureError(err).Retryable)
				assert.False(t, answered)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "Message has been sent", out.Text())
			assert.Equal(t, tc.expected.answered, answered)
			assert.Equal(t, tc.expected.answer, answer)
		})
	}
}

func TestFinalAnswer_Schema(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		fa, err := NewFinalAnswer(regent.NewRunState(), "One sentence, in French.", nil)
		require.NoError(t, err)

		assert.Equal(t, regent.FinalAnswerName, fa.Name())
		assert.False(t, fa.CustomSchema())
		assert.Equal(t, "One sentence, in French.", fa.Instructions())

		props := fa.InputSchema()["properties"].(map[string]any)
		response := props["response"].(map[string]any)
		assert.Equal(t, "string", response["type"])
		assert.Equal(t, "One sentence, in French.", response["description"])
		assert.Equal(t, []string{"response"}, fa.InputSchema()["required"])
	})

	t.Run("default without instructions", func(t *testing.T) {
		fa, err := NewFinalAnswer(regent.NewRunState(), "", nil)
		require.NoError(t, err)

		props := fa.InputSchema()["properties"].(map[string]any)
		assert.Equal(t, "The final answer to the user", props["response"].(map[string]any)["description"])
	})

	t.Run("custom", func(t *testing.T) {
		fa, err := NewFinalAnswer(regent.NewRunState(), "", citySchema)
		require.NoError(t, err)

		assert.True(t, fa.CustomSchema())
		assert.Equal(t, citySchema, fa.InputSchema())
		assert.Equal(t, "FinalAnswer(custom=true)", fa.String())
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NewFinalAnswer(regent.NewRunState(), "", map[string]any{"type": "not-a-type"})
		tt.AssertErrorKind(t, err, regent.ErrConfiguration)
	})
}

func TestFinalAnswer_Events(t *testing.T) {
	fa := mustFinalAnswer(t, nil)
	rec := tt.Record(fa.Emitter(), nil)
	defer rec.Stop()

	_, err := fa.Run(context.Background(), map[string]any{"response": "ok"}).Wait()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"run.tool.final_answer.start",
		"run.tool.final_answer.success",
		"run.tool.final_answer.finish",
	}, rec.Paths())
}
