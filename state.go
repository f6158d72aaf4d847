package regent

import (
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// RunStep records one tool invocation of an agent run.
type RunStep struct {
	ID        string
	Iteration int
	Tool      Tool
	Input     map[string]any
	Output    ToolOutput
	Err       error
}

// ToolName returns the name of the invoked tool, or an empty string.
func (s RunStep) ToolName() string {
	if s.Tool == nil {
		return ""
	}
	return s.Tool.Name()
}

// Failed reports whether the invocation returned an error.
func (s RunStep) Failed() bool {
	return s.Err != nil
}

// RunState is the state of an agent run. Requirements only read it.
type RunState struct {
	// Iteration is the 1-based index of the current agent iteration.
	Iteration int

	// Steps are the tool invocations made so far, in order.
	Steps []RunStep

	// Memory is the conversation as sent to the model.
	Memory []llms.MessageContent

	mu       sync.Mutex
	answer   string
	answered bool
}

// NewRunState creates a state seeded with the given messages.
func NewRunState(memory ...llms.MessageContent) *RunState {
	return &RunState{Memory: memory}
}

// LastStep returns the most recent step.
func (s *RunState) LastStep() (RunStep, bool) {
	if len(s.Steps) == 0 {
		return RunStep{}, false
	}
	return s.Steps[len(s.Steps)-1], true
}

// SetAnswer records the final answer and marks the run as finished.
func (s *RunState) SetAnswer(answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answer = answer
	s.answered = true
}

// Answer returns the final answer and whether one has been given.
func (s *RunState) Answer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer, s.answered
}
