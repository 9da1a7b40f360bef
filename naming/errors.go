package naming

import "github.com/pkg/errors"

// TracingError indicates the tracing engine itself could not record or lower the
// model: duplicate absolute module paths, a module type with no graph lowering
// implementation, or session misuse. It is thrown (panicked) at the point of failure
// and recovered at the converter boundary.
type TracingError struct {
	err error
}

// Error implements the error interface.
func (e *TracingError) Error() string { return e.err.Error() }

// Unwrap returns the wrapped error, with its stack trace.
func (e *TracingError) Unwrap() error { return e.err }

// TracingErrorf creates a *TracingError with a stack trace attached. It is exported
// so shim modules can fail tracing the same way the engine does.
func TracingErrorf(format string, args ...any) *TracingError {
	return &TracingError{err: errors.Errorf(format, args...)}
}

func tracingErrorf(format string, args ...any) *TracingError {
	return TracingErrorf(format, args...)
}
