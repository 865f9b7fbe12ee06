// Package eventbus provides event-driven communication between the API, the engine workers
// and the messaging platform adapters.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/chatflow/pkg/events"
)

// ErrUnknownEventType is returned by Decode for event types the bus cannot materialize.
var ErrUnknownEventType = errors.New("unknown event type")

// Event is anything the bus can route. Its type picks the topic.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes events. key orders the stream: events sharing a key are
// delivered in publish order.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a decoded event, always a pointer to the concrete events type.
// A returned error makes the message be redelivered.
type EventHandler func(ctx context.Context, event Event) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

var eventFactories = map[events.EventType]func() Event{
	events.ExecutionStartedEvent:   func() Event { return &events.ExecutionStarted{} },
	events.ExecutionSuspendedEvent: func() Event { return &events.ExecutionSuspended{} },
	events.ExecutionResumedEvent:   func() Event { return &events.ExecutionResumed{} },
	events.ExecutionCompletedEvent: func() Event { return &events.ExecutionCompleted{} },
	events.ExecutionFailedEvent:    func() Event { return &events.ExecutionFailed{} },
	events.ExecutionCancelledEvent: func() Event { return &events.ExecutionCancelled{} },
	events.ExecutionDispatchEvent:  func() Event { return &events.ExecutionDispatch{} },
	events.InboundReceivedEvent:    func() Event { return &events.InboundReceived{} },
	events.MessageSendEvent:        func() Event { return &events.MessageSend{} },
	events.ConversationMutateEvent: func() Event { return &events.ConversationMutate{} },
	events.ContactTagsMutateEvent:  func() Event { return &events.ContactTagsMutate{} },
}

// Decode turns a JSON payload into the event type named by eventType.
func Decode(eventType events.EventType, payload []byte) (Event, error) {
	factory, ok := eventFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	event := factory()

	err := json.Unmarshal(payload, event)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}

	return event, nil
}
