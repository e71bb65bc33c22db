package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/silverline/internal/runtime/config"
	"github.com/drblury/silverline/transport"
)

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.RequiresWillEmulation())
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildSharesOneBus(t *testing.T) {
	cfg := &config.Config{PubSubSystem: TransportName}

	a, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	b, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)

	got := make(chan string, 1)
	b.OnMessage(func(topic string, payload []byte) { got <- topic + "=" + string(payload) })
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.Subscribe(context.Background(), "realm/proc/echo"))
	require.NoError(t, a.Publish(context.Background(), "realm/proc/echo", []byte("42")))

	select {
	case msg := <-got:
		assert.Equal(t, "realm/proc/echo=42", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered across brokers")
	}
}

func TestCloseKeepsBusOpen(t *testing.T) {
	pub, sub := NewBus(watermill.NopLogger{})
	first := New(pub, sub, nil)
	require.NoError(t, first.Connect(context.Background()))
	require.NoError(t, first.Close())

	second := New(pub, sub, nil)
	got := make(chan []byte, 1)
	second.OnMessage(func(_ string, payload []byte) { got <- payload })
	require.NoError(t, second.Connect(context.Background()))
	defer second.Close()
	require.NoError(t, second.Subscribe(context.Background(), "t"))
	require.NoError(t, second.Publish(context.Background(), "t", []byte("still open")))

	select {
	case payload := <-got:
		assert.Equal(t, "still open", string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("bus was closed with the first broker")
	}
}

func TestFactoryOverride(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	var seen gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		seen = cfg
		return original(cfg, logger)
	}

	NewBus(watermill.NopLogger{})
	assert.True(t, seen.BlockPublishUntilSubscriberAck)
}
