package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a flow version was not found by the given identifier.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrFlowAlreadyExists indicates a flow version with the same identifier or the same
	// (lineage, version) pair already exists.
	ErrFlowAlreadyExists = errors.New("flow already exists")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrActiveExecutionExists indicates the conversation already has an active execution
	// for the flow lineage.
	ErrActiveExecutionExists = errors.New("active execution already exists for conversation")

	// ErrClaimConflict indicates the execution was not claimable at the expected version.
	ErrClaimConflict = errors.New("execution claim conflict")

	// ErrVersionConflict indicates an optimistic update lost against a concurrent writer.
	ErrVersionConflict = errors.New("execution version conflict")
)

// FlowError wraps flow-related errors with additional context.
type FlowError struct {
	Op        string // Operation being performed (e.g., "GetByID", "Save", "Activate")
	FlowID    string
	LineageID string
	Err       error
}

func (e *FlowError) Error() string {
	target := e.FlowID
	if target == "" {
		target = "lineage " + e.LineageID
	}

	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, target, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for flow errors.
func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewFlowError(op, flowID string, err error) *FlowError {
	return &FlowError{Op: op, FlowID: flowID, Err: err}
}

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsConflict checks if an error is a lost race that callers may treat as a no-op.
func IsConflict(err error) bool {
	return errors.Is(err, ErrClaimConflict) || errors.Is(err, ErrVersionConflict)
}
