// Package kafka provides a Kafka broker for SilverLine. Kafka topic names
// cannot contain '/', so realm topics are mapped to dotted names
// ("realm/proc/reg" becomes "realm.proc.reg").
package kafka

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/silverline/internal/runtime/ids"
	"github.com/drblury/silverline/transport"
	"github.com/drblury/silverline/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// MapTopic converts a slash separated topic into a valid Kafka topic name.
func MapTopic(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// Build creates a new Kafka broker. Without a configured consumer group each
// client gets its own, so every process sees every message like on MQTT.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	brokers := cfg.GetKafkaBrokers()
	consumerGroup := cfg.GetKafkaConsumerGroup()
	if consumerGroup == "" {
		consumerGroup = strings.ReplaceAll(ids.ClientID(cfg.GetClientID()), ":", "-")
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: consumerGroup,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	return bridge.New(publisher, subscriber, bridge.Options{
		Name:         TransportName,
		MapTopic:     MapTopic,
		Capabilities: transport.KafkaCapabilities,
		Logger:       logger,
	}), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
