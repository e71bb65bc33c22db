// Package channel provides an in-memory broker over Watermill's gochannel.
// Every Broker built from the same process shares one bus, so a runtime and
// a benchmarking client can talk without an external broker. Useful for
// tests and local development.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/silverline/transport"
	"github.com/drblury/silverline/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var (
	busMu  sync.Mutex
	busPub message.Publisher
	busSub message.Subscriber
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns a Broker attached to the process-wide in-memory bus.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	pub, sub := sharedBus(logger)
	return New(pub, sub, logger), nil
}

// New returns a Broker over an explicit gochannel pair, for tests that want
// an isolated bus.
func New(pub message.Publisher, sub message.Subscriber, logger watermill.LoggerAdapter) *bridge.Broker {
	return bridge.New(nopCloser{pub}, nopSubCloser{sub}, bridge.Options{
		Name:         TransportName,
		Capabilities: transport.ChannelCapabilities,
		Logger:       logger,
	})
}

// NewBus creates a fresh bus with ordered, acknowledged delivery.
func NewBus(logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	return Factory(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
}

func sharedBus(logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	busMu.Lock()
	defer busMu.Unlock()
	if busPub == nil {
		busPub, busSub = NewBus(logger)
	}
	return busPub, busSub
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// The bus outlives any single Broker, so closing a Broker must not close it.
type nopCloser struct{ message.Publisher }

func (nopCloser) Close() error { return nil }

type nopSubCloser struct{ message.Subscriber }

func (nopSubCloser) Close() error { return nil }
