package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/chatflow/pkg/channels/gochannel"
	"github.com/dukex/chatflow/pkg/channels/kafka"
	"github.com/dukex/chatflow/pkg/eventbus"
)

// EventBusConfig selects the transport of the event bus.
type EventBusConfig struct {
	Provider      string
	Brokers       []string
	ConsumerGroup string
	OTELEnabled   bool
}

func NewEventBus(logger *slog.Logger, config EventBusConfig) eventbus.EventBus {
	switch config.Provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), kafka.Config{
			Brokers:       config.Brokers,
			ConsumerGroup: config.ConsumerGroup,
			OTELEnabled:   config.OTELEnabled,
		})
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub)
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create in-process pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub)
	default:
		panic("Unsupported event bus provider: " + config.Provider)
	}
}
