package transport

import (
	"context"
	"fmt"

	"github.com/drblury/silverline/internal/runtime/config"
	"github.com/drblury/silverline/internal/runtime/logging"
	"github.com/drblury/silverline/transport"

	// Register every built-in broker.
	_ "github.com/drblury/silverline/transport/transports"
)

// Factory abstracts how SilverLine opens its broker connection.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger logging.ServiceLogger) (transport.Broker, error)
}

// DefaultFactory returns the built-in factory backed by the transport
// registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger logging.ServiceLogger) (transport.Broker, error) {
	if conf == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	name := conf.PubSubSystem
	if name == "" {
		name = "mqtt"
	}
	if caps := transport.GetCapabilities(name); caps.RequiresWillEmulation() {
		logger.Warn("Transport has no broker-held last will; abrupt exits will not deregister the runtime", logging.LogFields{
			"transport": name,
		})
	}

	broker, err := transport.Build(ctx, conf, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", name, err)
	}
	return broker, nil
}

// FactoryFunc adapts a plain function to Factory, mainly for tests that
// inject a mock broker.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger logging.ServiceLogger) (transport.Broker, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger logging.ServiceLogger) (transport.Broker, error) {
	return f(ctx, conf, logger)
}
