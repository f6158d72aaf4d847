package requirement

// ExecutionConfig bounds an agent run. Zero values disable the corresponding limit,
// except in DefaultExecutionConfig.
type ExecutionConfig struct {
	// MaxIterations stops the run once this many iterations have started without an
	// answer.
	MaxIterations int

	// MaxRetriesPerStep stops the run when the same tool fails this many times in a
	// row.
	MaxRetriesPerStep int

	// TotalMaxRetries stops the run once tool calls have failed this many times in
	// total.
	TotalMaxRetries int
}

// DefaultExecutionConfig returns the limits used when none are given:
//   - 10 iterations
//   - 3 consecutive failures of one tool
//   - 20 tool failures in total
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxIterations:     10,
		MaxRetriesPerStep: 3,
		TotalMaxRetries:   20,
	}
}
