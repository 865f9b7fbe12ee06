// Package events defines the messages exchanged over the event bus: execution lifecycle
// notifications, inbound conversation events, dispatch work items and outbound effects.
package events

import (
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topics.
const (
	ExecutionTopic = "chatflow.executions" // Lifecycle notifications
	InboundTopic   = "chatflow.inbound"    // Events from the messaging platform
	DispatchTopic  = "chatflow.dispatch"   // Work items for the engine workers
	OutboundTopic  = "chatflow.outbound"   // Messages and mutations for the messaging platform
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Execution lifecycle events.
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionSuspendedEvent EventType = "execution.suspended"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	// Engine work items.
	ExecutionDispatchEvent EventType = "execution.dispatch"

	// Inbound conversation events.
	InboundReceivedEvent EventType = "inbound.received"

	// Outbound effects.
	MessageSendEvent        EventType = "outbound.message"
	ConversationMutateEvent EventType = "outbound.conversation"
	ContactTagsMutateEvent  EventType = "outbound.contact_tags"
)

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType EventType) string {
	switch eventType {
	case ExecutionDispatchEvent:
		return DispatchTopic
	case InboundReceivedEvent:
		return InboundTopic
	case MessageSendEvent, ConversationMutateEvent, ContactTagsMutateEvent:
		return OutboundTopic
	default:
		return ExecutionTopic
	}
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ExecutionRef identifies the execution a lifecycle event belongs to.
type ExecutionRef struct {
	ExecutionID    string `json:"execution_id"`
	FlowID         string `json:"flow_id"`
	FlowVersion    int    `json:"flow_version,omitempty"`
	ConversationID string `json:"conversation_id"`
}

type ExecutionStarted struct {
	BaseEvent
	ExecutionRef

	Disposition string `json:"disposition"`
	TriggerKind string `json:"trigger_kind,omitempty"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionSuspended struct {
	BaseEvent
	ExecutionRef

	NodeID   string          `json:"node_id"`
	WakeKind models.WakeKind `json:"wake_kind"`
	Deadline *time.Time      `json:"deadline,omitempty"`
}

func (e ExecutionSuspended) GetType() EventType {
	return ExecutionSuspendedEvent
}

type ExecutionResumed struct {
	BaseEvent
	ExecutionRef

	NodeID   string               `json:"node_id"`
	WakeKind models.WakeEventKind `json:"wake_kind"`
}

func (e ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

type ExecutionCompleted struct {
	BaseEvent
	ExecutionRef

	Outcome      string `json:"outcome"`
	DurationMs   int64  `json:"duration_ms"`
	NodesVisited int    `json:"nodes_visited"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent
	ExecutionRef

	NodeID     string `json:"node_id,omitempty"`
	Code       string `json:"code"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent
	ExecutionRef

	NodeID string `json:"node_id,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

// ExecutionDispatch asks a worker to drive an execution, optionally delivering a wake event.
type ExecutionDispatch struct {
	BaseEvent

	ExecutionID string            `json:"execution_id"`
	Event       *models.WakeEvent `json:"event,omitempty"`
}

func (e ExecutionDispatch) GetType() EventType {
	return ExecutionDispatchEvent
}

// InboundReceived carries a message, button click, conversation opening or API start
// from the messaging platform to the engine.
type InboundReceived struct {
	BaseEvent

	Event models.InboundEvent `json:"event"`
}

func (e InboundReceived) GetType() EventType {
	return InboundReceivedEvent
}

type MessageSend struct {
	BaseEvent

	ExecutionID string                 `json:"execution_id,omitempty"`
	Message     models.OutboundMessage `json:"message"`
}

func (e MessageSend) GetType() EventType {
	return MessageSendEvent
}

type ConversationMutate struct {
	BaseEvent

	ConversationID string                   `json:"conversation_id"`
	Patch          models.ConversationPatch `json:"patch"`
}

func (e ConversationMutate) GetType() EventType {
	return ConversationMutateEvent
}

type ContactTagsMutate struct {
	BaseEvent

	ContactID string             `json:"contact_id"`
	Mutation  models.TagMutation `json:"mutation"`
}

func (e ContactTagsMutate) GetType() EventType {
	return ContactTagsMutateEvent
}

func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Metadata:  make(map[string]any),
	}
}

// NewExecutionRef builds the reference of exec within flow. flow may be nil.
func NewExecutionRef(exec *models.Execution, flow *models.FlowDefinition) ExecutionRef {
	ref := ExecutionRef{
		ExecutionID:    exec.ID,
		FlowID:         exec.FlowID,
		ConversationID: exec.ConversationID,
	}

	if flow != nil {
		ref.FlowVersion = flow.Version
	}

	return ref
}
