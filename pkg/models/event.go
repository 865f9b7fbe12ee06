package models

import "time"

// InboundKind classifies events arriving from the messaging platform or the API.
type InboundKind string

const (
	InboundMessage            InboundKind = "message"
	InboundButton             InboundKind = "button"
	InboundConversationOpened InboundKind = "conversation_opened"
	InboundAPIStart           InboundKind = "api_start"
)

// InboundEvent is the input of the trigger matcher.
type InboundEvent struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"          validate:"required"`
	Kind           InboundKind    `json:"kind"               validate:"required,oneof=message button conversation_opened api_start"`
	ConversationID string         `json:"conversation_id"    validate:"required"`
	ContactID      *string        `json:"contact_id,omitempty"`
	Text           string         `json:"text,omitempty"`
	ButtonID       string         `json:"button_id,omitempty"`
	FlowID         string         `json:"flow_id,omitempty"  validate:"required_if=Kind api_start"`
	Payload        map[string]any `json:"payload,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// WakeEvent converts a conversational inbound event to the signal a waiting execution consumes.
func (e InboundEvent) WakeEvent() (WakeEvent, bool) {
	switch e.Kind {
	case InboundMessage:
		return WakeEvent{Kind: WakeEventReply, Text: e.Text, Payload: e.Payload, OccurredAt: e.OccurredAt}, true
	case InboundButton:
		return WakeEvent{
			Kind:       WakeEventButton,
			Text:       e.Text,
			ButtonID:   e.ButtonID,
			Payload:    e.Payload,
			OccurredAt: e.OccurredAt,
		}, true
	default:
		return WakeEvent{}, false
	}
}
