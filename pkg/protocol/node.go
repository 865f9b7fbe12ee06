// Package protocol defines the contracts between the flow engine, node types and the
// capabilities the engine consumes from the rest of the platform.
package protocol

import (
	"context"
	"time"

	"github.com/dukex/chatflow/pkg/models"
)

// StepInput is everything a node may read while deciding its effect.
type StepInput struct {
	// Execution is a snapshot; nodes must not mutate it.
	Execution *models.Execution

	// Wake is set when the node is being resumed from its own suspension.
	Wake *models.WakeEvent

	Now     time.Time
	Attempt int
}

// Node turns configuration and context into an effect. Dispatch must be pure: side effects
// are described by the returned effect and performed by the step executor.
type Node interface {
	ID() string
	Type() string
	Dispatch(ctx context.Context, input StepInput) (models.Effect, error)
}

// NodeFactory creates node instances and provides metadata about the node type.
type NodeFactory interface {
	// Create builds a node from its graph definition
	Create(ctx context.Context, node *models.Node) (Node, error)

	// ID returns the type tag for this node type
	ID() string

	// Name returns the human-readable name for this node type
	Name() string

	// Description returns a description of what this node does
	Description() string

	// Schema returns the JSON schema for configuring this node
	Schema() map[string]any

	// Edges returns the outgoing edge labels the node may follow. Factories implementing
	// DynamicEdges take precedence over this list.
	Edges() []string

	// Terminal reports whether the node type ends an execution and so has no edges.
	Terminal() bool
}

// DynamicEdges is implemented by factories whose allowed edge labels depend on the node
// configuration, such as button choices or condition cases.
type DynamicEdges interface {
	EdgesFor(node *models.Node) ([]string, error)
}

// OptionalEdges is implemented by factories whose nodes can run without some of their
// allowed edges. Every other allowed edge must be wired.
type OptionalEdges interface {
	OptionalEdges() []string
}
