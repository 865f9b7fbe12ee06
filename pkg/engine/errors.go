package engine

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dukex/chatflow/pkg/protocol"
)

// ErrorCode classifies step failures.
type ErrorCode string

const (
	// CodeGraphCorruption: the graph references a node or edge that does not exist. Fatal.
	CodeGraphCorruption ErrorCode = "graph_corruption"
	// CodeConfiguration: a node cannot be built from its configuration. Fatal.
	CodeConfiguration ErrorCode = "configuration_error"
	// CodeTransient: an external call failed in a way that may succeed later.
	CodeTransient ErrorCode = "transient_external_failure"
	// CodeExternal: an external call failed permanently and the node has no error edge.
	CodeExternal ErrorCode = "external_failure"
)

var (
	ErrFlowNotActive        = errors.New("flow is not active")
	ErrExecutionNotWaiting  = errors.New("execution is not waiting")
	ErrWakeEventMismatch    = errors.New("wake event does not satisfy the wake condition")
	ErrStepLimitExceeded    = errors.New("step limit exceeded without suspension")
	ErrMissingContact       = errors.New("execution has no contact")
	ErrTenantMismatch       = errors.New("flow belongs to another tenant")
	ErrInvalidInboundEvent  = errors.New("invalid inbound event")
	ErrDispatcherNotStarted = errors.New("dispatcher is not running")
)

// Error is a typed step failure. Retryable errors are handed to the retry policy; all
// others end the execution.
type Error struct {
	Code      ErrorCode
	Message   string
	NodeID    string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s at node %s: %s", e.Code, e.NodeID, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ErrorCode() string {
	return string(e.Code)
}

func (e *Error) IsRetryable() bool {
	return e.Retryable
}

func newError(code ErrorCode, nodeID string, err error) *Error {
	return &Error{
		Code:      code,
		Message:   err.Error(),
		NodeID:    nodeID,
		Retryable: code == CodeTransient,
		Err:       err,
	}
}

// IsTransient reports whether a capability error may succeed on retry: explicit transient
// errors, timeouts and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient protocol.TransientError
	if errors.As(err, &transient) {
		return transient.Transient()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
