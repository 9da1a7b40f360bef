package nn

import "github.com/pkg/errors"

// ConfigurationError indicates invalid constructor parameters, e.g. a dropout
// probability outside [0, 1].
type ConfigurationError struct {
	err error
}

func (e *ConfigurationError) Error() string { return e.err.Error() }
func (e *ConfigurationError) Unwrap() error { return e.err }

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{err: errors.Errorf(format, args...)}
}

// ShapeError indicates a rank, dimension or hidden-state mismatch detected during
// validation. The message always names both the expected and the actual value.
type ShapeError struct {
	err error
}

func (e *ShapeError) Error() string { return e.err.Error() }
func (e *ShapeError) Unwrap() error { return e.err }

func shapeErrorf(format string, args ...any) *ShapeError {
	return &ShapeError{err: errors.Errorf(format, args...)}
}

// UnsupportedConfigurationError indicates a configuration the graph lowering refuses
// rather than silently mistranslating: bidirectional recurrences, multi-layer
// recurrences with an explicit initial state, or an unknown recurrent mode.
type UnsupportedConfigurationError struct {
	err error
}

func (e *UnsupportedConfigurationError) Error() string { return e.err.Error() }
func (e *UnsupportedConfigurationError) Unwrap() error { return e.err }

func unsupportedErrorf(format string, args ...any) *UnsupportedConfigurationError {
	return &UnsupportedConfigurationError{err: errors.Errorf(format, args...)}
}
