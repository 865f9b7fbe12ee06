// Package assignment provides the node that assigns the conversation to an agent or team.
package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

const Type = "assignment"

type AssignmentNodeFactory struct{}

func (f *AssignmentNodeFactory) Create(ctx context.Context, node *models.Node) (protocol.Node, error) {
	agent := nodes.String(node.Config, "agent_id")
	team := nodes.String(node.Config, "team_id")

	if agent == "" && team == "" {
		return nil, errors.New("one of 'agent_id' or 'team_id' is required")
	}

	return &AssignmentNode{id: node.ID, agent: agent, team: team}, nil
}

func (f *AssignmentNodeFactory) ID() string { return Type }

func (f *AssignmentNodeFactory) Name() string { return "Assign Conversation" }

func (f *AssignmentNodeFactory) Description() string {
	return "Assigns the conversation to an agent and/or team."
}

func (f *AssignmentNodeFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id": map[string]any{"type": "string", "description": "Agent ID, supports templating"},
			"team_id":  map[string]any{"type": "string", "description": "Team ID, supports templating"},
		},
		"anyOf": []map[string]any{
			{"required": []string{"agent_id"}},
			{"required": []string{"team_id"}},
		},
	}
}

func (f *AssignmentNodeFactory) Edges() []string { return []string{nodes.EdgeNext} }

func (f *AssignmentNodeFactory) Terminal() bool { return false }

func NewAssignmentNodeFactory() protocol.NodeFactory {
	return &AssignmentNodeFactory{}
}

type AssignmentNode struct {
	id    string
	agent string
	team  string
}

func (n *AssignmentNode) ID() string { return n.id }

func (n *AssignmentNode) Type() string { return Type }

func (n *AssignmentNode) Dispatch(ctx context.Context, input protocol.StepInput) (models.Effect, error) {
	data := template.Data(input.Execution)
	patch := &models.ConversationPatch{}
	result := map[string]any{}

	if n.agent != "" {
		agent, err := template.RenderString(n.agent, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render agent_id: %w", err)
		}

		patch.AssignedAgentID = &agent
		result["assigned_agent_id"] = agent
	}

	if n.team != "" {
		team, err := template.RenderString(n.team, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render team_id: %w", err)
		}

		patch.AssignedTeamID = &team
		result["assigned_team_id"] = team
	}

	return models.MutateEffect{
		Edge:         nodes.EdgeNext,
		Conversation: patch,
		ContextPatch: map[string]any{n.id: result},
	}, nil
}
