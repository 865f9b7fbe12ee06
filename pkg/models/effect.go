package models

import "time"

// EffectKind tags the variant of an Effect.
type EffectKind string

const (
	EffectSend      EffectKind = "send"
	EffectCall      EffectKind = "call_external"
	EffectBranch    EffectKind = "branch"
	EffectSuspend   EffectKind = "suspend"
	EffectMutate    EffectKind = "mutate"
	EffectTerminate EffectKind = "terminate"
)

// Effect is what a node asks the step executor to do. Nodes never perform side effects
// themselves; they describe them.
type Effect interface {
	Kind() EffectKind
}

// Button is a quick-reply option attached to an outbound message.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// OutboundMessage is a plain text or template message for one conversation.
type OutboundMessage struct {
	TenantID       string            `json:"tenant_id"`
	ConversationID string            `json:"conversation_id"`
	ContactID      *string           `json:"contact_id,omitempty"`
	Text           string            `json:"text,omitempty"`
	TemplateName   string            `json:"template_name,omitempty"`
	Language       string            `json:"language,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	Buttons        []Button          `json:"buttons,omitempty"`
}

// IsTemplate reports whether the message must go through the template capability.
func (m OutboundMessage) IsTemplate() bool {
	return m.TemplateName != ""
}

// SendEffect delivers a message, then follows Edge. When delivery fails permanently the
// executor follows ErrorEdge if the node declares it.
type SendEffect struct {
	Message      OutboundMessage
	Edge         string
	ErrorEdge    string
	ContextPatch map[string]any
	// Then optionally chains a suspension after a successful send (button prompts).
	Then *SuspendEffect
}

func (SendEffect) Kind() EffectKind { return EffectSend }

// HTTPRequest is an outbound call to an external API or webhook.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout"`
}

// HTTPResponse is the decoded result of an HTTPRequest.
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`
}

// CallEffect performs an HTTP request. ResponseMapping copies response fields, addressed by
// dotted paths rooted at "body", "status_code" or "headers", into context keys.
type CallEffect struct {
	Request         HTTPRequest
	ResultKey       string
	ResponseMapping map[string]string
	SuccessEdge     string
	FailureEdge     string
}

func (CallEffect) Kind() EffectKind { return EffectCall }

// BranchEffect follows Edge after merging ContextPatch.
type BranchEffect struct {
	Edge         string
	ContextPatch map[string]any
	Warnings     []string
}

func (BranchEffect) Kind() EffectKind { return EffectBranch }

// SuspendEffect parks the execution until the wake condition is satisfied.
type SuspendEffect struct {
	Wake WakeCondition
}

func (SuspendEffect) Kind() EffectKind { return EffectSuspend }

// TagMutation adds and removes contact tags.
type TagMutation struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// ConversationPatch changes conversation fields owned by the messaging platform.
type ConversationPatch struct {
	AssignedAgentID *string `json:"assigned_agent_id,omitempty"`
	AssignedTeamID  *string `json:"assigned_team_id,omitempty"`
}

// MutateEffect changes conversation or contact state, merges ContextPatch and follows Edge.
type MutateEffect struct {
	Edge         string
	ContextPatch map[string]any
	Conversation *ConversationPatch
	ContactTags  *TagMutation
}

func (MutateEffect) Kind() EffectKind { return EffectMutate }

// TerminateEffect ends the execution.
type TerminateEffect struct {
	Outcome string
}

func (TerminateEffect) Kind() EffectKind { return EffectTerminate }
