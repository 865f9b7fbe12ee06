package input

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

// InputNode suspends on first dispatch and branches when resumed.
type InputNode struct {
	id       string
	prompt   string
	variable string
	timeout  time.Duration
}

func NewInputNode(node *models.Node) (*InputNode, error) {
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

	return &InputNode{
		id:       node.ID,
		prompt:   nodes.String(node.Config, "prompt"),
		variable: variable,
		timeout:  timeout,
	}, nil
}

func (n *InputNode) ID() string { return n.id }

func (n *InputNode) Type() string { return Type }

func (n *InputNode) Dispatch(ctx context.Context, input protocol.StepInput) (models.Effect, error) {
	if input.Wake != nil {
		return n.resume(*input.Wake), nil
	}

	deadline := input.Now.Add(n.timeout)
	suspend := models.SuspendEffect{
		Wake: models.WakeCondition{Kind: models.WakeReply, Deadline: &deadline},
	}

	if n.prompt == "" {
		return suspend, nil
	}

	exec := input.Execution

	text, err := template.RenderString(n.prompt, template.Data(exec))
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}

	return models.SendEffect{
		Message: models.OutboundMessage{
			TenantID:       exec.TenantID,
			ConversationID: exec.ConversationID,
			ContactID:      exec.ContactID,
			Text:           text,
		},
		Then: &suspend,
	}, nil
}

func (n *InputNode) resume(event models.WakeEvent) models.Effect {
	if event.Kind == models.WakeEventTimer {
		return models.BranchEffect{Edge: nodes.EdgeTimeout}
	}

	patch := map[string]any{n.variable: event.Text}
	if len(event.Payload) > 0 {
		patch[n.variable+"_payload"] = models.CloneMap(event.Payload)
	}

	return models.BranchEffect{Edge: nodes.EdgeReceived, ContextPatch: patch}
}
