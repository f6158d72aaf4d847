package tt

import (
	"testing"

	"github.com/rickchristie/regent"
	"github.com/stretchr/testify/assert"
)

// AssertErrorKind asserts that err is a *regent.FrameworkError of the given kind.
func AssertErrorKind(t *testing.T, err error, kind error) bool {
	t.Helper()
	if !assert.Error(t, err) {
		return false
	}
	_, ok := err.(*regent.FrameworkError)
	return assert.True(t, ok, "expected *regent.FrameworkError, got %T", err) &&
		assert.ErrorIs(t, err, kind)
}

// ToolNames returns the names of tools, in order.
func ToolNames(tools []regent.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name())
	}
	return names
}
