package button

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

type ButtonNode struct {
	id       string
	text     string
	buttons  []models.Button
	variable string
	timeout  time.Duration
}

func NewButtonNode(node *models.Node) (*ButtonNode, error) {
	text, err := nodes.RequiredString(node.Config, "text")
	if err != nil {
		return nil, err
	}

	buttons, err := parseButtons(node.Config)
	if err != nil {
		return nil, err
	}

	timeout, err := nodes.Duration(node.Config, "timeout", nodes.DefaultMaxWait)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", timeout)
	}

	variable := nodes.String(node.Config, "variable")
	if variable == "" {
		variable = node.ID
	}

	return &ButtonNode{
		id:       node.ID,
		text:     text,
		buttons:  buttons,
		variable: variable,
		timeout:  timeout,
	}, nil
}

func (n *ButtonNode) ID() string { return n.id }

func (n *ButtonNode) Type() string { return Type }

func (n *ButtonNode) Dispatch(ctx context.Context, input protocol.StepInput) (models.Effect, error) {
	if input.Wake != nil {
		if input.Wake.Kind == models.WakeEventTimer {
			return models.BranchEffect{Edge: nodes.EdgeTimeout}, nil
		}

		return models.BranchEffect{
			Edge:         input.Wake.ButtonID,
			ContextPatch: map[string]any{n.variable: input.Wake.ButtonID},
		}, nil
	}

	exec := input.Execution

	text, err := template.RenderString(n.text, template.Data(exec))
	if err != nil {
		return nil, fmt.Errorf("failed to render button text: %w", err)
	}

	ids := make([]string, len(n.buttons))
	for i, b := range n.buttons {
		ids[i] = b.ID
	}

	deadline := input.Now.Add(n.timeout)

	return models.SendEffect{
		Message: models.OutboundMessage{
			TenantID:       exec.TenantID,
			ConversationID: exec.ConversationID,
			ContactID:      exec.ContactID,
			Text:           text,
			Buttons:        append([]models.Button(nil), n.buttons...),
		},
		Then: &models.SuspendEffect{
			Wake: models.WakeCondition{Kind: models.WakeButton, ButtonIDs: ids, Deadline: &deadline},
		},
	}, nil
}

func parseButtons(config map[string]any) ([]models.Button, error) {
	raw, ok := config["buttons"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.New("missing required field 'buttons'")
	}

	buttons := make([]models.Button, 0, len(raw))
	seen := make(map[string]bool, len(raw))

	for i, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("button %d must be an object", i)
		}

		id := nodes.String(entry, "id")
		if id == "" {
			return nil, fmt.Errorf("button %d is missing 'id'", i)
		}

		if id == nodes.EdgeTimeout {
			return nil, fmt.Errorf("button id %q is reserved", id)
		}

		if seen[id] {
			return nil, fmt.Errorf("duplicate button id %q", id)
		}

		seen[id] = true

		title := nodes.String(entry, "title")
		if title == "" {
			title = id
		}

		buttons = append(buttons, models.Button{ID: id, Title: title})
	}

	return buttons, nil
}
