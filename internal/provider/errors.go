package provider

import (
	"context"
	"errors"
	"fmt"
)

// FailureClass distinguishes what a failed attempt says about the system.
type FailureClass string

const (
	// FailureTask means the task itself is bad (rejected payload, refused
	// request). The agent stays eligible for other work.
	FailureTask FailureClass = "task"
	// FailureAgent means the agent's capability malfunctioned (broken
	// endpoint, protocol violation). The agent is taken out of rotation
	// once retries exhaust.
	FailureAgent FailureClass = "agent"
	// FailureTimeout means the attempt exceeded its deadline. Retryable,
	// and the agent stays eligible.
	FailureTimeout FailureClass = "timeout"
)

// ExecutionError is a classified attempt failure.
type ExecutionError struct {
	Class FailureClass
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failure (%s): %v", e.Class, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError wraps err with a failure class.
func NewExecutionError(class FailureClass, err error) *ExecutionError {
	return &ExecutionError{Class: class, Err: err}
}

// Classify maps an attempt error to its failure class. Deadline expiry wins
// over whatever the provider reported, since a timed-out call usually
// surfaces as a wrapped context error.
func Classify(err error) FailureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Class
	}
	return FailureTask
}
