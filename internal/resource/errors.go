package resource

import (
	"context"
	"fmt"
	"time"
)

// InvalidTransitionError reports a lifecycle operation requested from a
// state that does not permit it. Programming error; never retried.
type InvalidTransitionError struct {
	Resource  string
	State     State
	Operation string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("resource %s: cannot %s from state %s", e.Resource, e.Operation, e.State)
}

// InitializationError wraps a failed initialize.
type InitializationError struct {
	Resource string
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("resource %s: initialization failed: %v", e.Resource, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// ConnectionError wraps a failed connect.
type ConnectionError struct {
	Resource string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("resource %s: connection failed: %v", e.Resource, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a lifecycle operation that ran out of deadline.
// Unwraps to context.DeadlineExceeded.
type TimeoutError struct {
	Resource  string
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("resource %s: %s timed out after %s", e.Resource, e.Operation, e.Timeout)
	}
	return fmt.Sprintf("resource %s: %s timed out", e.Resource, e.Operation)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// HealthCheckError wraps a failed health probe.
type HealthCheckError struct {
	Resource string
	Err      error
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("resource %s: health check failed: %v", e.Resource, e.Err)
}

func (e *HealthCheckError) Unwrap() error {
	return e.Err
}
