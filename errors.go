package regent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Error kinds. Every *FrameworkError unwraps to exactly one of these, so callers can
// branch with errors.Is without caring about the concrete message.
var (
	// ErrFramework is the generic kind for wrapped foreign errors.
	ErrFramework = errors.New("regent: framework error")

	// ErrAborted is returned when a run's cancellation signal fires before its handler
	// completes. Use [IsAbort] to tell cancellation apart from failure.
	ErrAborted = errors.New("regent: run aborted")

	// ErrEmitter marks invalid event names, invalid payloads, and failing listeners.
	ErrEmitter = errors.New("regent: emitter error")

	// ErrRequirement marks a requirement that cannot be honored in the current state.
	ErrRequirement = errors.New("regent: requirement error")

	// ErrConfiguration marks invalid requirement or agent configuration. It is raised
	// eagerly at construction or initialization time and is never retried.
	ErrConfiguration = errors.New("regent: invalid configuration")

	// ErrUnsatisfiable is raised when the reasoner ends up with no callable tool.
	ErrUnsatisfiable = errors.New("regent: unsatisfiable requirements")

	// ErrTool marks a failed tool invocation.
	ErrTool = errors.New("regent: tool error")

	// ErrAgent marks agent loop failures such as exhausted iterations or retries.
	ErrAgent = errors.New("regent: agent error")
)

// FrameworkError is the error type used across the framework.
//
// It carries a kind sentinel (one of the Err* variables), an optional cause, and flags
// describing how callers should treat it. Both the kind and the cause are reachable
// through errors.Is / errors.As.
type FrameworkError struct {
	Message   string
	Kind      error
	Cause     error
	Fatal     bool
	Retryable bool
	Context   map[string]any
}

// NewError creates a new error of the given kind.
func NewError(kind error, message string, cause error) *FrameworkError {
	if kind == nil {
		kind = ErrFramework
	}
	return &FrameworkError{
		Message: message,
		Kind:    kind,
		Cause:   cause,
		Fatal:   kind == ErrConfiguration || kind == ErrUnsatisfiable || kind == ErrRequirement,
	}
}

// Errorf creates a new error of the given kind with a formatted message. A %w verb in
// the format is recorded as the cause.
func Errorf(kind error, format string, args ...any) *FrameworkError {
	wrapped := fmt.Errorf(format, args...)
	e := NewError(kind, wrapped.Error(), errors.Unwrap(wrapped))
	if e.Cause != nil {
		// The cause is already part of the formatted message.
		e.Message = strings.TrimSuffix(e.Message, ": "+e.Cause.Error())
	}
	return e
}

func (e *FrameworkError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.kind().Error()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *FrameworkError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.kind()}
	}
	return []error{e.kind(), e.Cause}
}

// WithContext attaches a diagnostic key/value pair and returns the error.
func (e *FrameworkError) WithContext(key string, value any) *FrameworkError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable and returns it.
func (e *FrameworkError) WithRetryable(retryable bool) *FrameworkError {
	e.Retryable = retryable
	return e
}

func (e *FrameworkError) kind() error {
	if e.Kind == nil {
		return ErrFramework
	}
	return e.Kind
}

// EnsureError converts any error into a *FrameworkError. Framework errors are returned
// unchanged; context cancellation becomes an [ErrAborted] error; everything else is
// wrapped with the original kept as the cause.
func EnsureError(err error) *FrameworkError {
	if err == nil {
		return nil
	}
	if fe, ok := err.(*FrameworkError); ok {
		return fe
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrAborted, "", err)
	}

	wrapped := NewError(ErrFramework, "", err)
	var inner *FrameworkError
	if errors.As(err, &inner) {
		wrapped.Kind = inner.kind()
		wrapped.Fatal = inner.Fatal
		wrapped.Retryable = inner.Retryable
		wrapped.Context = maps.Clone(inner.Context)
	}
	return wrapped
}

// IsAbort reports whether err was caused by run cancellation.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted)
}

// IsFatal reports whether any framework error in the chain is fatal.
func IsFatal(err error) bool {
	var fe *FrameworkError
	return errors.As(err, &fe) && fe.Fatal
}

// IsRetryable reports whether the outermost framework error in the chain is retryable.
func IsRetryable(err error) bool {
	var fe *FrameworkError
	return errors.As(err, &fe) && fe.Retryable
}

// Explain renders the cause chain of err, one error per line, indented by depth.
func Explain(err error) string {
	var sb strings.Builder
	depth := 0
	for err != nil {
		if depth > 0 {
			sb.WriteString("\n")
			sb.WriteString(strings.Repeat("  ", depth))
			sb.WriteString("caused by: ")
		}

		var next error
		if fe, ok := err.(*FrameworkError); ok {
			msg := fe.Message
			if msg == "" {
				msg = fe.kind().Error()
			}
			sb.WriteString(msg)
			next = fe.Cause
		} else {
			sb.WriteString(err.Error())
			next = errors.Unwrap(err)
		}

		err = next
		depth++
	}
	return sb.String()
}
