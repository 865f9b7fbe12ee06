// Package kafka provides the watermill Kafka transport.
package kafka

import (
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/chatflow/pkg/events"
)

var ErrNoBrokers = errors.New("no Kafka brokers configured")

// Config selects the brokers and consumer group of one service.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	OTELEnabled   bool
}

// CreateChannel creates a publisher and a subscriber sharing the broker list. Messages are
// partitioned by the event key metadata so one conversation stays on one partition.
func CreateChannel(logger watermill.LoggerAdapter, config Config) (*kafka.Publisher, *kafka.Subscriber, error) {
	if len(config.Brokers) == 0 || config.Brokers[0] == "" {
		return nil, nil, ErrNoBrokers
	}

	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               config.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         "cg-" + config.ConsumerGroup,
			OTELEnabled:           config.OTELEnabled,
		},
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	saramaPublisherConfig := sarama.NewConfig()
	saramaPublisherConfig.Producer.Return.Successes = true

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               config.Brokers,
			Marshaler:             kafka.NewWithPartitioningMarshaler(partitionKey),
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           config.OTELEnabled,
		},
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	return publisher, subscriber, nil
}

func partitionKey(topic string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(events.EventMetadataKey), nil
}
