// Package transport defines the broker capability the channel multiplexer is
// built on. Each broker implementation (mqtt, nats, kafka, etc.) lives in its
// own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// MessageHandler receives every message delivered on a subscribed topic.
// Implementations call it from a single delivery goroutine per connection,
// in broker arrival order.
type MessageHandler func(topic string, payload []byte)

// ConnectionLostHandler is invoked once when the connection drops without a
// call to Close. Reconnecting is left to the caller.
type ConnectionLostHandler func(err error)

// Broker is a single publish/subscribe connection.
//
// SetLastWill, OnMessage and OnConnectionLost must be called before Connect.
// Subscribe does not take a callback: every delivery goes to the handler
// installed with OnMessage and is routed by the caller.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	SetLastWill(topic string, payload []byte) error
	OnMessage(handler MessageHandler)
	OnConnectionLost(handler ConnectionLostHandler)
	Close() error
}

// Builder is the function signature for creating a broker from config.
// Each transport package provides a Builder and registers it.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string
	// GetClientID returns the client id prefix shared by all transports.
	GetClientID() string

	// MQTT
	GetMQTTURL() string
	GetMQTTUsername() string
	GetMQTTPassword() string
	GetMQTTPasswordFile() string
	GetMQTTTLS() bool
	GetMQTTQoS() byte
	GetMQTTKeepAlive() time.Duration
	GetMQTTConnectTimeout() time.Duration

	// NATS
	GetNATSURL() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string
}

// CapabilitiesProvider is implemented by brokers that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
