package requirement

import (
	"context"
	"testing"
	"text/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/regent"
	"github.com/rickchristie/regent/internal/tt"
	r "github.com/rickchristie/regent/requirements"
)

func TestSystemPrompt(t *testing.T) {
	tools := newToolset("think", "search", "write")
	reasoner, err := NewReasoner(tools.list, []r.Requirement{
		fixedRules("policy", 10, hide("think"), r.Allow("search"), r.Forbid("write")),
	}, mustFinalAnswer(t, nil), nil)
	require.NoError(t, err)
	req, err := reasoner.CreateRequest(context.Background(), tools.history(), false)
	require.NoError(t, err)

	data := systemPromptData(req, "a librarian", []string{"Be brief", "Cite sources"}, []string{"Answer in English"}, fixedNow)
	prompt, err := render(DefaultTemplates().System, data)
	require.NoError(t, err)

	assert.Contains(t, prompt, "# Role\nAssume the role of a librarian.\n")
	assert.Contains(t, prompt, "# Instructions\n- Be brief\n- Cite sources\nWhen the user sends a message")
	assert.Contains(t, prompt, "by calling the 'final_answer' tool.")
	assert.Contains(t, prompt, "Name: search\nDescription: Mock tool search\nAllowed: true\n")
	assert.Contains(t, prompt, "Name: write\nDescription: Mock tool write\nAllowed: false\n")
	assert.Contains(t, prompt, "Name: final_answer\nDescription: Sends the final answer to the user\nAllowed: true\n")
	assert.NotContains(t, prompt, "Name: think")
	assert.Contains(t, prompt, "- The current date is: 2025-03-14\n- Answer in English\n")
	assert.NotContains(t, prompt, "The final answer must fulfill the following.")
}

func TestSystemPrompt_CustomSchema(t *testing.T) {
	tools := newToolset("search")
	fa, err := NewFinalAnswer(regent.NewRunState(), "Only European cities.", citySchema)
	require.NoError(t, err)
	reasoner, err := NewReasoner(tools.list, nil, fa, nil)
	require.NoError(t, err)
	req, err := reasoner.CreateRequest(context.Background(), tools.history(), false)
	require.NoError(t, err)

	data := systemPromptData(req, "a geographer", nil, nil, fixedNow)
	assert.Equal(t, indentJSON(citySchema), data.FinalAnswerSchema)
	assert.Equal(t, "Only European cities.", data.FinalAnswerInstructions)

	prompt, err := render(DefaultTemplates().System, data)
	require.NoError(t, err)
	assert.Contains(t, prompt, "The final answer must fulfill the following.\n\n```\n{\n")
	assert.Contains(t, prompt, `"city": {`)
	assert.Contains(t, prompt, "```\nOnly European cities.\n")
}

func TestTaskPrompt(t *testing.T) {
	tests := []struct {
		name     string
		input    TaskPromptData
		expected string
	}{
		{
			name:     "prompt only",
			input:    TaskPromptData{Prompt: "Find the tallest building."},
			expected: "Your task: Find the tallest building.\n",
		},
		{
			name:  "with context",
			input: TaskPromptData{Prompt: "Summarize.", Context: "The user is in Jakarta."},
			expected: "This is the context relevant to the task:\nThe user is in Jakarta.\n\n" +
				"Your task: Summarize.\n",
		},
		{
			name: "with context and expected output",
			input: TaskPromptData{
				Prompt:         "Summarize.",
				Context:        "The user is in Jakarta.",
				ExpectedOutput: "Three bullet points.",
			},
			expected: "This is the context relevant to the task:\nThe user is in Jakarta.\n\n" +
				"This is the expected criteria for your output:\nThree bullet points.\n\n" +
				"Your task: Summarize.\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := render(DefaultTemplates().Task, tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestTemplates(t *testing.T) {
	d := DefaultTemplates()

	got, err := render(d.ToolError, map[string]any{"Reason": "[tool] boom"})
	require.NoError(t, err)
	assert.Equal(t, "The tool has failed; the error log is shown below. If the tool cannot accomplish "+
		"what you want, use a different tool or explain why you can't use it.\n\n[tool] boom", got)

	got, err = render(d.CycleDetection, map[string]any{"FinalAnswerName": "final_answer"})
	require.NoError(t, err)
	assert.Equal(t, "I can't see your answer. You must use the 'final_answer' tool to send me a message.", got)

	custom := Templates{NoResult: template.Must(template.New("empty").Parse("Nothing for {{.ToolName}}."))}.withDefaults()
	got, err = render(custom.NoResult, map[string]any{"ToolName": "search"})
	require.NoError(t, err)
	assert.Equal(t, "Nothing for search.", got)
	assert.Equal(t, d.Task.Name(), custom.Task.Name())
	assert.NotNil(t, custom.System)
	assert.NotNil(t, custom.ToolError)
	assert.NotNil(t, custom.CycleDetection)

	_, err = render(template.Must(template.New("broken").Parse("{{.Nope}}")), TaskPromptData{})
	tt.AssertErrorKind(t, err, regent.ErrAgent)
}
