package transport

// Capabilities describes the features supported by a broker backend.
type Capabilities struct {
	// SupportsLastWill indicates the broker itself publishes a registered
	// will message when the connection drops uncleanly. When false the will
	// is emulated by the client and is lost if the process dies abruptly.
	SupportsLastWill bool

	// SupportsOrdering indicates messages on one topic are delivered in
	// publish order.
	SupportsOrdering bool

	// SupportsWildcards indicates topic filters may contain wildcards.
	SupportsWildcards bool

	// SupportsQoS indicates per-message delivery guarantees can be selected.
	SupportsQoS bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// RequiresWillEmulation returns true if the last-will must be published by
// the client rather than the broker.
func (c Capabilities) RequiresWillEmulation() bool {
	return !c.SupportsLastWill
}

// Predefined capability sets for the built-in transports.
var (
	// MQTTCapabilities for an MQTT 3.1.1 broker such as mosquitto.
	MQTTCapabilities = Capabilities{
		Name:              "mqtt",
		SupportsLastWill:  true,
		SupportsOrdering:  true,
		SupportsWildcards: true,
		SupportsQoS:       true,
		MaxMessageSize:    268435455,
	}

	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:              "nats",
		SupportsOrdering:  true,
		SupportsWildcards: true,
		MaxMessageSize:    1048576, // Default 1MB
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
