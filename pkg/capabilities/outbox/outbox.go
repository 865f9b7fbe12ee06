// Package outbox hands messages and conversation or contact mutations to the messaging
// platform by publishing them on the event bus.
package outbox

import (
	"context"
	"fmt"

	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/models"
)

// Outbox implements protocol.Messenger, protocol.ConversationMutator and
// protocol.ContactMutator. Delivery is at least once; consumers deduplicate by event ID.
type Outbox struct {
	publisher eventbus.EventPublisher
}

func New(publisher eventbus.EventPublisher) *Outbox {
	return &Outbox{publisher: publisher}
}

func (o *Outbox) SendMessage(ctx context.Context, message models.OutboundMessage) error {
	return o.send(ctx, message)
}

func (o *Outbox) SendTemplate(ctx context.Context, message models.OutboundMessage) error {
	if !message.IsTemplate() {
		return fmt.Errorf("template message for conversation %s has no template name", message.ConversationID)
	}

	return o.send(ctx, message)
}

func (o *Outbox) send(ctx context.Context, message models.OutboundMessage) error {
	event := events.MessageSend{
		BaseEvent: events.NewBaseEvent(events.MessageSendEvent, message.TenantID),
		Message:   message,
	}

	err := o.publisher.Publish(ctx, message.ConversationID, event)
	if err != nil {
		return &PublishError{Err: err}
	}

	return nil
}

func (o *Outbox) MutateConversation(
	ctx context.Context,
	tenantID, conversationID string,
	patch models.ConversationPatch,
) error {
	event := events.ConversationMutate{
		BaseEvent:      events.NewBaseEvent(events.ConversationMutateEvent, tenantID),
		ConversationID: conversationID,
		Patch:          patch,
	}

	err := o.publisher.Publish(ctx, conversationID, event)
	if err != nil {
		return &PublishError{Err: err}
	}

	return nil
}

func (o *Outbox) MutateContactTags(ctx context.Context, tenantID, contactID string, mutation models.TagMutation) error {
	event := events.ContactTagsMutate{
		BaseEvent: events.NewBaseEvent(events.ContactTagsMutateEvent, tenantID),
		ContactID: contactID,
		Mutation:  mutation,
	}

	err := o.publisher.Publish(ctx, contactID, event)
	if err != nil {
		return &PublishError{Err: err}
	}

	return nil
}

// PublishError is returned when the bus rejects an outbound event. Brokers recover from
// these, so they are retried.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish outbound event: %v", e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func (e *PublishError) Transient() bool {
	return true
}
