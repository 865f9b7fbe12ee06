package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the state of one flow run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// IsActive reports whether the execution holds the conversation for its flow lineage.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionPending || s == ExecutionRunning || s == ExecutionWaiting
}

// Path entry outcomes that are not edge labels.
const (
	OutcomeSuspended = "suspended"
	OutcomeFailed    = "failed"
	OutcomeSuccess   = "success"
)

// PathEntry is one append-only audit record of a node visit.
type PathEntry struct {
	NodeID    string    `json:"node_id"`
	NodeType  string    `json:"node_type"`
	EnteredAt time.Time `json:"entered_at"`
	ExitedAt  time.Time `json:"exited_at"`
	Outcome   string    `json:"outcome"`
	Attempt   int       `json:"attempt,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RetryState tracks transient failures of the current node.
type RetryState struct {
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Execution is the durable record of one flow run for one conversation.
type Execution struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	FlowID          string          `json:"flow_id"`
	LineageID       string          `json:"lineage_id"`
	ConversationID  string          `json:"conversation_id"`
	ContactID       *string         `json:"contact_id,omitempty"`
	Status          ExecutionStatus `json:"status"`
	CurrentNodeID   *string         `json:"current_node_id"`
	Context         map[string]any  `json:"context"`
	Path            []PathEntry     `json:"execution_path"`
	Wake            *WakeCondition  `json:"wake,omitempty"`
	Retry           RetryState      `json:"retry"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Queued          bool            `json:"queued"`
	CancelRequested bool            `json:"cancel_requested"`
	ClaimedBy       string          `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// SetCurrentNode points the execution at a node, or clears it with an empty ID.
func (e *Execution) SetCurrentNode(nodeID string) {
	if nodeID == "" {
		e.CurrentNodeID = nil

		return
	}

	e.CurrentNodeID = &nodeID
}

// CurrentNode returns the current node ID or an empty string.
func (e *Execution) CurrentNode() string {
	if e.CurrentNodeID == nil {
		return ""
	}

	return *e.CurrentNodeID
}

// MergeContext overwrites or appends keys. Keys are never removed.
func (e *Execution) MergeContext(patch map[string]any) {
	if len(patch) == 0 {
		return
	}

	if e.Context == nil {
		e.Context = make(map[string]any, len(patch))
	}

	for key, value := range NormalizeContext(patch) {
		e.Context[key] = value
	}
}

// AppendPath records a node visit.
func (e *Execution) AppendPath(entry PathEntry) {
	e.Path = append(e.Path, entry)
}

// Clone returns a deep copy suitable for handing out of a store.
func (e *Execution) Clone() *Execution {
	clone := *e

	if e.ContactID != nil {
		contact := *e.ContactID
		clone.ContactID = &contact
	}

	if e.CurrentNodeID != nil {
		current := *e.CurrentNodeID
		clone.CurrentNodeID = &current
	}

	clone.Context = CloneMap(e.Context)

	clone.Path = make([]PathEntry, len(e.Path))
	for i, entry := range e.Path {
		entry.Warnings = append([]string(nil), entry.Warnings...)
		clone.Path[i] = entry
	}

	if e.Wake != nil {
		wake := e.Wake.Clone()
		clone.Wake = &wake
	}

	if e.ClaimedAt != nil {
		claimed := *e.ClaimedAt
		clone.ClaimedAt = &claimed
	}

	if e.CompletedAt != nil {
		completed := *e.CompletedAt
		clone.CompletedAt = &completed
	}

	return &clone
}

// NormalizeContext converts values to the types JSON decoding yields, so a context reads
// back identical from every store. Integers become float64, typed maps and slices become
// map[string]any and []any. Values that cannot be encoded are copied unchanged.
func NormalizeContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	data, err := json.Marshal(in)
	if err != nil {
		return CloneMap(in)
	}

	var out map[string]any

	err = json.Unmarshal(data, &out)
	if err != nil {
		return CloneMap(in)
	}

	return out
}

// CloneMap deep copies JSON-shaped values.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}

	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return CloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}

		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), v...)
	default:
		return v
	}
}
