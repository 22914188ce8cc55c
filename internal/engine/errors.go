package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidValue marks a settings value that parsed but failed validation.
var ErrInvalidValue = errors.New("invalid value")

// ConfigurationError reports a settings value that could not be applied.
type ConfigurationError struct {
	Field string
	Value any
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("setting %s=%v: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ComputationError reports a numeric fault inside an analysis iteration. It is
// terminal for the loop that raised it.
type ComputationError struct {
	Stage     string
	Iteration uint64
	Err       error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("iteration %d: %s: %v", e.Iteration, e.Stage, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }
