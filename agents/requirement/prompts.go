package requirement

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"text/template"
	"time"

	"github.com/rickchristie/regent"
)

//go:embed system.tmpl
var systemTemplateContent string

//go:embed task.tmpl
var taskTemplateContent string

// SystemPromptData is passed to the system prompt template.
type SystemPromptData struct {
	Role                    string
	Instructions            []string
	Notes                   []string
	FinalAnswerName         string
	FinalAnswerSchema       string
	FinalAnswerInstructions string
	Tools                   []ToolPromptData
	Today                   string
}

// ToolPromptData describes one tool in the system prompt.
type ToolPromptData struct {
	Name        string
	Description string
	InputSchema string
	Allowed     bool
}

// TaskPromptData is passed to the task prompt template.
type TaskPromptData struct {
	Prompt         string
	Context        string
	ExpectedOutput string
}

// Templates are the prompts of the agent. Any of them can be replaced.
type Templates struct {
	// System renders [SystemPromptData]. It is rendered again at every step, since
	// the allowed tools change.
	System *template.Template

	// Task renders [TaskPromptData] into the user message that starts the run.
	Task *template.Template

	// ToolError is sent in place of the output of a failed tool. Data: .Reason.
	ToolError *template.Template

	// CycleDetection is sent when the model keeps repeating the same call. Data:
	// .ToolName, .ToolArgs, .FinalAnswerName.
	CycleDetection *template.Template

	// NoResult is sent in place of an empty tool output. Data: .ToolName.
	NoResult *template.Template
}

// DefaultTemplates returns the built-in prompts.
func DefaultTemplates() Templates {
	return Templates{
		System: template.Must(template.New("requirement_system").Parse(systemTemplateContent)),
		Task:   template.Must(template.New("requirement_task").Parse(taskTemplateContent)),
		ToolError: template.Must(template.New("requirement_tool_error").Parse(
			"The tool has failed; the error log is shown below. If the tool cannot accomplish " +
				"what you want, use a different tool or explain why you can't use it.\n\n{{.Reason}}",
		)),
		CycleDetection: template.Must(template.New("requirement_cycle_detection").Parse(
			"I can't see your answer. You must use the '{{.FinalAnswerName}}' tool to send me a message.",
		)),
		NoResult: template.Must(template.New("requirement_no_result").Parse(
			"No results were found! Try to reformulate your query.",
		)),
	}
}

func (t Templates) withDefaults() Templates {
	d := DefaultTemplates()
	if t.System == nil {
		t.System = d.System
	}
	if t.Task == nil {
		t.Task = d.Task
	}
	if t.ToolError == nil {
		t.ToolError = d.ToolError
	}
	if t.CycleDetection == nil {
		t.CycleDetection = d.CycleDetection
	}
	if t.NoResult == nil {
		t.NoResult = d.NoResult
	}
	return t
}

// render executes tmpl with data.
func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", regent.NewError(regent.ErrAgent, "cannot render template "+tmpl.Name(), err)
	}
	return buf.String(), nil
}

func systemPromptData(
	request *Request,
	role string,
	instructions, notes []string,
	now time.Time,
) SystemPromptData {
	data := SystemPromptData{
		Role:                    role,
		Instructions:            instructions,
		Notes:                   notes,
		FinalAnswerName:         request.FinalAnswer.Name(),
		FinalAnswerInstructions: request.FinalAnswer.Instructions(),
		Today:                   now.Format(time.DateOnly),
	}
	if request.FinalAnswer.CustomSchema() {
		data.FinalAnswerSchema = indentJSON(request.FinalAnswer.InputSchema())
	}
	for _, tool := range request.VisibleTools() {
		data.Tools = append(data.Tools, ToolPromptData{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: indentJSON(tool.InputSchema()),
			Allowed:     request.IsAllowed(tool),
		})
	}
	return data
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}
