// Package transports imports all built-in brokers for auto-registration.
// Import this package to have every transport registered with the default
// registry.
package transports

import (
	_ "github.com/drblury/silverline/transport/channel"
	_ "github.com/drblury/silverline/transport/kafka"
	_ "github.com/drblury/silverline/transport/mqtt"
	_ "github.com/drblury/silverline/transport/nats"
	_ "github.com/drblury/silverline/transport/rabbitmq"
)
