// Package testutil provides test data builders for flows and executions.
package testutil

import (
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestFlow creates a draft start -> end flow of tenant-1, triggered by the keyword
// "hi", that can be overridden.
func CreateTestFlow(overrides ...func(*models.FlowDefinition)) *models.FlowDefinition {
	id := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	flow := &models.FlowDefinition{
		ID:          id,
		TenantID:    "tenant-1",
		Name:        "Welcome",
		LineageID:   id,
		Version:     1,
		Status:      models.FlowStatusDraft,
		EntryNodeID: "start",
		TriggerConfig: models.TriggerConfig{
			Type:     models.TriggerKeyword,
			Keywords: []string{"hi"},
		},
		Nodes: []*models.Node{
			CreateTestNode("start", "start", WithEdge("next", "end")),
			CreateTestNode("end", "end"),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(flow)
	}

	return flow
}

// WithID sets the flow ID and, for a first version, its lineage.
func WithID(id string) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		if f.LineageID == f.ID {
			f.LineageID = id
		}

		f.ID = id
	}
}

// WithLineage places the flow at version of lineageID.
func WithLineage(lineageID string, version int) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.LineageID = lineageID
		f.Version = version
	}
}

func WithTenant(tenantID string) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.TenantID = tenantID
	}
}

func WithNodes(nodes ...*models.Node) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.Nodes = nodes
	}
}

func WithTrigger(trigger models.TriggerConfig) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.TriggerConfig = trigger
	}
}

func WithReentryPolicy(policy models.ReentryPolicy) func(*models.FlowDefinition) {
	return func(f *models.FlowDefinition) {
		f.ReentryPolicy = policy
	}
}

// CreateTestNode creates a node with no config and no edges that can be overridden.
func CreateTestNode(id, nodeType string, overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{ID: id, Type: nodeType}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithEdge adds the edge label -> target.
func WithEdge(label, target string) func(*models.Node) {
	return func(n *models.Node) {
		if n.Edges == nil {
			n.Edges = make(map[string]string)
		}

		n.Edges[label] = target
	}
}

func WithConfig(config map[string]any) func(*models.Node) {
	return func(n *models.Node) {
		n.Config = config
	}
}

// CreateTestExecution creates a pending execution of flow for conversationID.
func CreateTestExecution(
	flow *models.FlowDefinition,
	conversationID string,
	overrides ...func(*models.Execution),
) *models.Execution {
	now := time.Now().UTC().Truncate(time.Microsecond)

	exec := &models.Execution{
		ID:             uuid.NewString(),
		TenantID:       flow.TenantID,
		FlowID:         flow.ID,
		LineageID:      flow.LineageID,
		ConversationID: conversationID,
		Status:         models.ExecutionPending,
		Context:        map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for _, override := range overrides {
		override(exec)
	}

	return exec
}

// Queued marks the execution as waiting behind the active run of its conversation.
func Queued() func(*models.Execution) {
	return func(e *models.Execution) {
		e.Queued = true
	}
}
