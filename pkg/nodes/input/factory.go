// Package input provides the node that waits for a free-text reply from the contact.
package input

import (
	"context"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
)

const Type = "input"

// InputNodeFactory creates InputNode instances.
type InputNodeFactory struct{}

func (f *InputNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	return NewInputNode(node)
}

func (f *InputNodeFactory) ID() string { return Type }

func (f *InputNodeFactory) Name() string { return "Wait for Input" }

func (f *InputNodeFactory) Description() string {
	return "Optionally sends a prompt, then suspends until the contact replies or the wait times out. " +
		"The reply is stored in the context under the configured variable."
}

func (f *InputNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "Text sent before waiting, supports templating",
			},
			"variable": map[string]any{
				"type":        "string",
				"pattern":     "^[A-Za-z_][A-Za-z0-9_]*$",
				"description": "Context key receiving the reply text. Defaults to the node ID.",
			},
			"timeout": nodes.DurationSchema("Maximum wait before following the timeout edge (default 24h)"),
		},
	}
}

func (f *InputNodeFactory) Edges() []string {
	return []string{nodes.EdgeReceived, nodes.EdgeTimeout}
}

func (f *InputNodeFactory) Terminal() bool { return false }

func NewInputNodeFactory() protocol.NodeFactory {
	return &InputNodeFactory{}
}
