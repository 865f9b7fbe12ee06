// Package start provides the entry node of every flow.
package start

import (
	"context"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
)

const Type = "start"

// StartNodeFactory creates StartNode instances.
type StartNodeFactory struct{}

// Create creates a new StartNode instance.
func (f *StartNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	return &StartNode{id: node.ID}, nil
}

func (f *StartNodeFactory) ID() string { return Type }

func (f *StartNodeFactory) Name() string { return "Start" }

func (f *StartNodeFactory) Description() string {
	return "Entry point of the flow. Every flow has exactly one start node."
}

func (f *StartNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (f *StartNodeFactory) Edges() []string { return []string{nodes.EdgeNext} }

func (f *StartNodeFactory) Terminal() bool { return false }

func NewStartNodeFactory() protocol.NodeFactory {
	return &StartNodeFactory{}
}

// StartNode immediately follows its next edge.
type StartNode struct {
	id string
}

func (n *StartNode) ID() string { return n.id }

func (n *StartNode) Type() string { return Type }

func (n *StartNode) Dispatch(ctx context.Context, input protocol.StepInput) (models.Effect, error) {
	return models.BranchEffect{Edge: nodes.EdgeNext}, nil
}
