// Package button provides the quick-reply node that waits for the contact to pick a button.
package button

import (
	"context"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
)

const Type = "button"

// ButtonNodeFactory creates ButtonNode instances.
type ButtonNodeFactory struct{}

func (f *ButtonNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	return NewButtonNode(node)
}

func (f *ButtonNodeFactory) ID() string { return Type }

func (f *ButtonNodeFactory) Name() string { return "Buttons" }

func (f *ButtonNodeFactory) Description() string {
	return "Sends a message with quick-reply buttons and suspends until one is clicked. " +
		"Each button ID is an outgoing edge; the timeout edge fires when nobody answers."
}

func (f *ButtonNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Message text shown above the buttons, supports templating",
			},
			"buttons": map[string]any{
				"type":     "array",
				"minItems": 1,
				"maxItems": 10,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":    map[string]any{"type": "string", "minLength": 1},
						"title": map[string]any{"type": "string", "minLength": 1},
					},
					"required": []string{"id", "title"},
				},
			},
			"variable": map[string]any{
				"type":        "string",
				"description": "Context key receiving the clicked button ID. Defaults to the node ID.",
			},
			"timeout": nodes.DurationSchema("Maximum wait before following the timeout edge (default 24h)"),
		},
		"required": []string{"text", "buttons"},
	}
}

func (f *ButtonNodeFactory) Edges() []string { return []string{nodes.EdgeTimeout} }

// EdgesFor returns one edge per button ID plus timeout.
func (f *ButtonNodeFactory) EdgesFor(node *models.Node) ([]string, error) {
	buttons, err := parseButtons(node.Config)
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(buttons)+1)
	for _, b := range buttons {
		labels = append(labels, b.ID)
	}

	return append(labels, nodes.EdgeTimeout), nil
}

func (f *ButtonNodeFactory) Terminal() bool { return false }

func NewButtonNodeFactory() protocol.NodeFactory {
	return &ButtonNodeFactory{}
}
