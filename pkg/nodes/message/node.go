package message

import (
	"context"
	"fmt"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

// MessageNode sends either a text or a template message and continues on next.
type MessageNode struct {
	id           string
	nodeType     string
	text         string
	templateName string
	language     string
	variables    map[string]string
	hasErrorEdge bool
}

func NewMessageNode(node *models.Node) (*MessageNode, error) {
	text, err := nodes.RequiredString(node.Config, "text")
	if err != nil {
		return nil, err
	}

	return &MessageNode{
		id:           node.ID,
		nodeType:     TypeMessage,
		text:         text,
		hasErrorEdge: node.Edges[nodes.EdgeError] != "",
	}, nil
}

func NewTemplateNode(node *models.Node) (*MessageNode, error) {
	name, err := nodes.RequiredString(node.Config, "template_name")
	if err != nil {
		return nil, err
	}

	language := nodes.String(node.Config, "language")
	if language == "" {
		language = "en"
	}

	return &MessageNode{
		id:           node.ID,
		nodeType:     TypeTemplate,
		templateName: name,
		language:     language,
		variables:    nodes.StringMap(node.Config, "variables"),
		hasErrorEdge: node.Edges[nodes.EdgeError] != "",
	}, nil
}

func (n *MessageNode) ID() string { return n.id }

func (n *MessageNode) Type() string { return n.nodeType }

func (n *MessageNode) Dispatch(ctx context.Context, input protocol.StepInput) (models.Effect, error) {
	exec := input.Execution
	data := template.Data(exec)

	message := models.OutboundMessage{
		TenantID:       exec.TenantID,
		ConversationID: exec.ConversationID,
		ContactID:      exec.ContactID,
		TemplateName:   n.templateName,
		Language:       n.language,
	}

	if n.templateName == "" {
		text, err := template.RenderString(n.text, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render message text: %w", err)
		}

		message.Text = text
	} else {
		variables, err := template.RenderMap(n.variables, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render template variables: %w", err)
		}

		message.Variables = variables
	}

	effect := models.SendEffect{Message: message, Edge: nodes.EdgeNext}
	if n.hasErrorEdge {
		effect.ErrorEdge = nodes.EdgeError
	}

	return effect, nil
}
