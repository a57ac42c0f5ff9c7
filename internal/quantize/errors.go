package quantize

import (
	"errors"
	"fmt"
	"time"
)

// ExecutionTimeoutError reports a run that exceeded its time budget.
type ExecutionTimeoutError struct {
	Timeout time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("quantization exceeded timeout of %s", e.Timeout)
}

// IsExecutionTimeout reports whether err is (or wraps) an ExecutionTimeoutError.
func IsExecutionTimeout(err error) bool {
	var t *ExecutionTimeoutError
	return errors.As(err, &t)
}

// ExecutionError reports a failed quantization run. Stderr holds a bounded
// tail of the tool's output.
type ExecutionError struct {
	Err    error
	Stderr string
}

func (e *ExecutionError) Error() string {
	if e.Stderr == "" {
		return "quantization failed: " + e.Err.Error()
	}
	return fmt.Sprintf("quantization failed: %v; stderr tail: %s", e.Err, e.Stderr)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsExecutionError reports whether err is (or wraps) an ExecutionError.
func IsExecutionError(err error) bool {
	var x *ExecutionError
	return errors.As(err, &x)
}
