// Package end provides the terminal node.
package end

import (
	"context"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
)

const Type = "end"

// EndNodeFactory creates EndNode instances.
type EndNodeFactory struct{}

// Create creates a new EndNode instance.
func (f *EndNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	outcome := nodes.String(node.Config, "outcome")
	if outcome == "" {
		outcome = models.OutcomeSuccess
	}

	return &EndNode{id: node.ID, outcome: outcome}, nil
}

func (f *EndNodeFactory) ID() string { return Type }

func (f *EndNodeFactory) Name() string { return "End" }

func (f *EndNodeFactory) Description() string {
	return "Completes the execution with the configured outcome."
}

func (f *EndNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"outcome": map[string]any{
				"type":        "string",
				"description": "Outcome recorded on the final path entry",
				"default":     models.OutcomeSuccess,
			},
		},
	}
}

func (f *EndNodeFactory) Edges() []string { return nil }

func (f *EndNodeFactory) Terminal() bool { return true }

func NewEndNodeFactory() protocol.NodeFactory {
	return &EndNodeFactory{}
}

type EndNode struct {
	id      string
	outcome string
}

func (n *EndNode) ID() string { return n.id }

func (n *EndNode) Type() string { return Type }

func (n *EndNode) Dispatch(ctx context.Context, input protocol.StepInput) (models.Effect, error) {
	return models.TerminateEffect{Outcome: n.outcome}, nil
}
