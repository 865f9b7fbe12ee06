// Package message provides the text and template message nodes.
package message

import (
	"context"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
)

const (
	TypeMessage  = "message"
	TypeTemplate = "template"
)

// MessageNodeFactory creates plain text message nodes.
type MessageNodeFactory struct{}

func (f *MessageNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	return NewMessageNode(node)
}

func (f *MessageNodeFactory) ID() string { return TypeMessage }

func (f *MessageNodeFactory) Name() string { return "Send Message" }

func (f *MessageNodeFactory) Description() string {
	return "Sends a text message to the contact. The text is rendered against the execution context."
}

func (f *MessageNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Message text, supports {{ .field }} templating",
				"examples":    []string{"Hi {{ .name }}, how can we help?"},
			},
		},
		"required": []string{"text"},
	}
}

func (f *MessageNodeFactory) Edges() []string { return []string{nodes.EdgeNext, nodes.EdgeError} }

// OptionalEdges marks the error edge optional; without it a failed send fails the execution.
func (f *MessageNodeFactory) OptionalEdges() []string { return []string{nodes.EdgeError} }

func (f *MessageNodeFactory) Terminal() bool { return false }

func NewMessageNodeFactory() protocol.NodeFactory {
	return &MessageNodeFactory{}
}

// TemplateNodeFactory creates pre-approved template message nodes.
type TemplateNodeFactory struct{}

func (f *TemplateNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	return NewTemplateNode(node)
}

func (f *TemplateNodeFactory) ID() string { return TypeTemplate }

func (f *TemplateNodeFactory) Name() string { return "Send Template" }

func (f *TemplateNodeFactory) Description() string {
	return "Sends a pre-approved template with variables rendered against the execution context."
}

func (f *TemplateNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"template_name": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Name of the approved template",
			},
			"language": map[string]any{
				"type":        "string",
				"description": "Template language code",
				"default":     "en",
			},
			"variables": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
				"description":          "Template variables, each value supports templating",
			},
		},
		"required": []string{"template_name"},
	}
}

func (f *TemplateNodeFactory) Edges() []string { return []string{nodes.EdgeNext, nodes.EdgeError} }

func (f *TemplateNodeFactory) OptionalEdges() []string { return []string{nodes.EdgeError} }

func (f *TemplateNodeFactory) Terminal() bool { return false }

func NewTemplateNodeFactory() protocol.NodeFactory {
	return &TemplateNodeFactory{}
}
