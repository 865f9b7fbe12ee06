package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/chatflow/pkg/events"
)

type WatermillEventBus struct {
	logger        *slog.Logger
	publisher     message.Publisher
	subscriber    message.Subscriber
	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(logger *slog.Logger, pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		logger:        logger.With("module", "eventbus"),
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

// Publish sends the event to the topic of its type. key partitions the stream, so events
// of one conversation keep their order on Kafka.
func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))
	msg.SetContext(ctx)

	return eb.publisher.Publish(events.TopicFor(event.GetType()), msg)
}

// Subscribe starts consuming every topic that has at least one registered handler.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	eb.mu.RLock()

	topics := make(map[string]struct{})
	for eventType := range eb.subscriptions {
		topics[events.TopicFor(eventType)] = struct{}{}
	}

	eb.mu.RUnlock()

	for topic := range topics {
		messages, err := eb.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		go eb.consume(ctx, messages)
	}

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		eb.mu.RLock()
		handler, exists := eb.subscriptions[eventType]
		eb.mu.RUnlock()

		if !exists {
			msg.Ack()

			continue
		}

		event, err := Decode(eventType, msg.Payload)
		if err != nil {
			eb.logger.Error("Dropping undecodable event", "event_type", eventType, "error", err)
			msg.Ack()

			continue
		}

		err = handler(ctx, event)
		if err != nil {
			eb.logger.Error("Event handler failed", "event_type", eventType, "error", err)
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
