// Package models defines the core domain models for conversational flow automation
package models

import "time"

// FlowStatus represents the lifecycle state of a flow version.
type FlowStatus string

const (
	FlowStatusDraft    FlowStatus = "draft"    // Editable, not executable
	FlowStatusActive   FlowStatus = "active"   // Validated, accepts new executions
	FlowStatusPaused   FlowStatus = "paused"   // Blocks new executions, in-flight ones continue
	FlowStatusArchived FlowStatus = "archived" // Historical, never executable again
)

// ReentryPolicy decides what happens when a flow is triggered for a conversation that
// already has an active execution of the same flow lineage.
type ReentryPolicy string

const (
	ReentrySkip    ReentryPolicy = "skip"
	ReentryQueue   ReentryPolicy = "queue"
	ReentryRestart ReentryPolicy = "restart"
)

// TriggerType names the inbound signal that starts a flow.
type TriggerType string

const (
	TriggerKeyword         TriggerType = "keyword"
	TriggerNewConversation TriggerType = "new_conversation"
	TriggerAPI             TriggerType = "api"
)

// KeywordMatchMode controls how keywords are compared against message text.
type KeywordMatchMode string

const (
	MatchExact    KeywordMatchMode = "exact"
	MatchContains KeywordMatchMode = "contains"
	MatchPrefix   KeywordMatchMode = "prefix"
	MatchRegex    KeywordMatchMode = "regex"
)

// TriggerConfig describes when a flow starts.
type TriggerConfig struct {
	Type          TriggerType      `json:"type"                     validate:"required,oneof=keyword new_conversation api"`
	Keywords      []string         `json:"keywords,omitempty"       validate:"required_if=Type keyword,dive,required"`
	MatchMode     KeywordMatchMode `json:"match_mode,omitempty"     validate:"omitempty,oneof=exact contains prefix regex"`
	CaseSensitive bool             `json:"case_sensitive,omitempty"`
}

// FlowDefinition is one immutable version of a conversational flow graph.
type FlowDefinition struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"                validate:"required"`
	Name          string        `json:"name"                     validate:"required,min=3"`
	Description   string        `json:"description"`
	Nodes         []*Node       `json:"nodes"                    validate:"dive"`
	EntryNodeID   string        `json:"entry_node_id"`
	TriggerConfig TriggerConfig `json:"trigger_config"`
	Status        FlowStatus    `json:"status"`
	ReentryPolicy ReentryPolicy `json:"reentry_policy,omitempty" validate:"omitempty,oneof=skip queue restart"`
	Version       int           `json:"version"`
	ParentFlowID  *string       `json:"parent_flow_id,omitempty"`
	LineageID     string        `json:"lineage_id"` // Stable ID linking all versions
	FlowStats
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// FlowStats are eventually consistent counters bumped on terminal execution transitions.
// They are never read for control decisions.
type FlowStats struct {
	ExecutionCount int64 `json:"execution_count"`
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`
}

// Node is a typed vertex of the flow graph. Edges map an outcome label to a target node ID.
type Node struct {
	ID     string            `json:"id"               validate:"required"`
	Type   string            `json:"type"             validate:"required"`
	Name   string            `json:"name,omitempty"`
	Config map[string]any    `json:"config,omitempty"`
	Edges  map[string]string `json:"edges,omitempty"`
}

// NodeByID finds a node by its ID.
func (f *FlowDefinition) NodeByID(id string) (*Node, bool) {
	for _, node := range f.Nodes {
		if node.ID == id {
			return node, true
		}
	}

	return nil, false
}

// EffectiveReentryPolicy defaults an unset policy to skip.
func (f *FlowDefinition) EffectiveReentryPolicy() ReentryPolicy {
	if f.ReentryPolicy == "" {
		return ReentrySkip
	}

	return f.ReentryPolicy
}

// AcceptsExecutions reports whether new executions may be started for this version.
func (f *FlowDefinition) AcceptsExecutions() bool {
	return f.Status == FlowStatusActive
}

// Clone returns a deep copy of the flow graph and metadata.
func (f *FlowDefinition) Clone() *FlowDefinition {
	clone := *f

	clone.Nodes = make([]*Node, len(f.Nodes))
	for i, node := range f.Nodes {
		clone.Nodes[i] = node.Clone()
	}

	clone.TriggerConfig.Keywords = append([]string(nil), f.TriggerConfig.Keywords...)

	if f.ParentFlowID != nil {
		parent := *f.ParentFlowID
		clone.ParentFlowID = &parent
	}

	if f.ActivatedAt != nil {
		activated := *f.ActivatedAt
		clone.ActivatedAt = &activated
	}

	return &clone
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	clone := *n
	clone.Config = CloneMap(n.Config)

	if n.Edges != nil {
		clone.Edges = make(map[string]string, len(n.Edges))
		for label, target := range n.Edges {
			clone.Edges[label] = target
		}
	}

	return &clone
}
