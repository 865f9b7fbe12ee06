// Package web provides HTTP request and response types for the flow API.
package web

import (
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
)

// CreateFlowRequest represents the request body for creating a new flow lineage.
type CreateFlowRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	FlowContent
}

// UpdateFlowRequest replaces the content of a draft.
type UpdateFlowRequest struct {
	FlowContent
}

// FlowContent is the editable part of a flow version. Trigger configuration is only
// checked on activation so drafts can be saved incomplete.
type FlowContent struct {
	Name          string               `json:"name"                     validate:"required,min=3"`
	Description   string               `json:"description"`
	Nodes         []*models.Node       `json:"nodes"                    validate:"dive"`
	EntryNodeID   string               `json:"entry_node_id"`
	TriggerConfig models.TriggerConfig `json:"trigger_config"           validate:"-"`
	ReentryPolicy models.ReentryPolicy `json:"reentry_policy,omitempty" validate:"omitempty,oneof=skip queue restart"`
}

func (c FlowContent) toModel(tenantID string) *models.FlowDefinition {
	return &models.FlowDefinition{
		TenantID:      tenantID,
		Name:          c.Name,
		Description:   c.Description,
		Nodes:         c.Nodes,
		EntryNodeID:   c.EntryNodeID,
		TriggerConfig: c.TriggerConfig,
		ReentryPolicy: c.ReentryPolicy,
	}
}

// StartExecutionRequest starts a flow version for a conversation.
type StartExecutionRequest struct {
	TenantID       string         `json:"tenant_id,omitempty"`
	ConversationID string         `json:"conversation_id"      validate:"required"`
	ContactID      *string        `json:"contact_id,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// ResumeExecutionRequest delivers a wake event. Timers are resolved by the worker sweep and
// cannot be fired through the API.
type ResumeExecutionRequest struct {
	WakeID   string         `json:"wake_id,omitempty"`
	Kind     string         `json:"kind"                validate:"required,oneof=reply button callback"`
	Text     string         `json:"text,omitempty"`
	ButtonID string         `json:"button_id,omitempty" validate:"required_if=Kind button"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func (r ResumeExecutionRequest) toWakeEvent() models.WakeEvent {
	return models.WakeEvent{
		WakeID:   r.WakeID,
		Kind:     models.WakeEventKind(r.Kind),
		Text:     r.Text,
		ButtonID: r.ButtonID,
		Payload:  r.Payload,
	}
}

// NodeTypeResponse describes one registered node type.
type NodeTypeResponse struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
	Edges       []string       `json:"edges"`
	Terminal    bool           `json:"terminal"`
}

// TransformNodeType converts a factory into its API representation.
func TransformNodeType(factory protocol.NodeFactory) NodeTypeResponse {
	edges := factory.Edges()
	if edges == nil {
		edges = []string{}
	}

	return NodeTypeResponse{
		Type:        factory.ID(),
		Name:        factory.Name(),
		Description: factory.Description(),
		Schema:      factory.Schema(),
		Edges:       edges,
		Terminal:    factory.Terminal(),
	}
}
