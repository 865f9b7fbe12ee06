package models

import (
	"slices"
	"time"
)

// WakeKind is what a waiting execution is waiting for.
type WakeKind string

const (
	WakeReply    WakeKind = "reply"    // Any inbound text on the conversation
	WakeButton   WakeKind = "button"   // One of a set of button IDs
	WakeTimer    WakeKind = "timer"    // Deadline only
	WakeRetry    WakeKind = "retry"    // Backoff before re-running a failed node
	WakeRecovery WakeKind = "recovery" // Re-run a node abandoned by a crashed worker
)

// WakeCondition is the durable record of why and until when an execution is suspended.
type WakeCondition struct {
	ID             string     `json:"id"`
	Kind           WakeKind   `json:"kind"`
	NodeID         string     `json:"node_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	ButtonIDs      []string   `json:"button_ids,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
}

// Clone returns a copy that shares no slices or pointers.
func (w WakeCondition) Clone() WakeCondition {
	w.ButtonIDs = append([]string(nil), w.ButtonIDs...)

	if w.Deadline != nil {
		deadline := *w.Deadline
		w.Deadline = &deadline
	}

	return w
}

// AwaitsEvent reports whether the condition is satisfied by an inbound conversation event
// rather than only by its deadline.
func (w WakeCondition) AwaitsEvent() bool {
	return w.Kind == WakeReply || w.Kind == WakeButton
}

// Due reports whether the deadline has passed.
func (w WakeCondition) Due(now time.Time) bool {
	return w.Deadline != nil && !now.Before(*w.Deadline)
}

// Accepts reports whether the given event satisfies this wake condition at now. A reply or
// button that occurred at or after the deadline is rejected: the timeout owns that wait.
func (w WakeCondition) Accepts(event WakeEvent, now time.Time) bool {
	if event.WakeID != "" && event.WakeID != w.ID {
		return false
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	switch event.Kind {
	case WakeEventReply:
		return w.Kind == WakeReply && !w.Due(occurredAt)
	case WakeEventButton:
		return w.Kind == WakeButton && slices.Contains(w.ButtonIDs, event.ButtonID) && !w.Due(occurredAt)
	case WakeEventTimer:
		if w.Deadline == nil {
			return false
		}

		return w.Due(now)
	case WakeEventCallback:
		return w.Kind == WakeReply && !w.Due(occurredAt)
	default:
		return false
	}
}

// WakeEventKind is the kind of signal delivered to a waiting execution.
type WakeEventKind string

const (
	WakeEventReply    WakeEventKind = "reply"
	WakeEventButton   WakeEventKind = "button"
	WakeEventTimer    WakeEventKind = "timer"
	WakeEventCallback WakeEventKind = "callback"
)

// WakeEvent resumes a waiting execution.
type WakeEvent struct {
	WakeID     string         `json:"wake_id,omitempty"`
	Kind       WakeEventKind  `json:"kind"                validate:"required,oneof=reply button timer callback"`
	Text       string         `json:"text,omitempty"`
	ButtonID   string         `json:"button_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
