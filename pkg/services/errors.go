// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/chatflow/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidStatus     = errors.New("invalid flow status")
	ErrTenantRequired    = errors.New("tenant ID is required")
	ErrFlowNameRequired  = errors.New("flow name is required")
	ErrFlowNil           = errors.New("flow cannot be nil")
	ErrInvalidGraph      = errors.New("invalid flow graph")
	ErrNodesRequired     = errors.New("flow must have at least one node")
	ErrNoEntryNode       = errors.New("flow has no entry node")
	ErrEntryNotStart     = errors.New("entry node must be a start node")
	ErrMultipleStarts    = errors.New("flow must have exactly one start node")
	ErrDuplicateNodeID   = errors.New("duplicate node ID")
	ErrUnknownEdge       = errors.New("edge label not declared by node type")
	ErrMissingEdgeTarget = errors.New("edge target does not exist")
	ErrMissingEdge       = errors.New("node type requires edge")
	ErrTerminalHasEdges  = errors.New("terminal node cannot have outgoing edges")
	ErrDeadEnd           = errors.New("non-terminal node has no outgoing edges")
	ErrOrphanNode        = errors.New("node is not reachable from the entry node")
	ErrInvalidTrigger    = errors.New("invalid trigger configuration")

	// Business Logic Conflicts (409 Conflict).
	ErrFlowNotDraft      = errors.New("only draft flows can be modified")
	ErrFlowArchived      = errors.New("archived flows cannot change status")
	ErrInvalidTransition = errors.New("invalid flow status transition")
)

// ErrFlowNotFound is returned when a flow version does not exist.
var ErrFlowNotFound = persistence.ErrFlowNotFound

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NodeError attributes a validation problem to one node.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrTenantRequired) ||
		errors.Is(err, ErrFlowNameRequired) ||
		errors.Is(err, ErrFlowNil) ||
		errors.Is(err, ErrInvalidGraph)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrFlowNotDraft) ||
		errors.Is(err, ErrFlowArchived) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, persistence.ErrFlowAlreadyExists)
}

// Problems flattens the individual problems of a joined validation error.
func Problems(err error) []string {
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		return []string{err.Error()}
	}

	var problems []string

	for _, inner := range joined.Unwrap() {
		if errors.Is(inner, ErrInvalidGraph) {
			continue
		}

		problems = append(problems, inner.Error())
	}

	return problems
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
