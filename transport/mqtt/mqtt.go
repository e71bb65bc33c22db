// Package mqtt provides the default SilverLine broker over an MQTT 3.1.1
// server such as mosquitto. It is the only transport with a broker-held
// last-will.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/drblury/silverline/internal/runtime/ids"
	"github.com/drblury/silverline/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "mqtt"

const disconnectQuiesce = 250 // ms

var (
	errNotConnected     = errors.New("mqtt: not connected")
	errAlreadyConnected = errors.New("mqtt: already connected")
)

// ClientFactory allows overriding the paho client creation for testing.
var ClientFactory = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MQTTCapabilities)
}

// Broker is a transport.Broker over a paho client. Paho's ordered router
// delivers every message from a single goroutine, which gives the
// multiplexer its serialized delivery context.
type Broker struct {
	opts   *paho.ClientOptions
	qos    byte
	logger watermill.LoggerAdapter

	mu        sync.Mutex
	client    paho.Client
	onMessage transport.MessageHandler
	onLost    transport.ConnectionLostHandler
}

var _ transport.Broker = (*Broker)(nil)

// Build creates an unconnected MQTT broker from cfg.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	clientID := ids.ClientID(cfg.GetClientID())
	logger = logger.With(watermill.LogFields{"transport": TransportName, "client_id": clientID})

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.GetMQTTURL())
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetOrderMatters(true)
	if d := cfg.GetMQTTKeepAlive(); d > 0 {
		opts.SetKeepAlive(d)
	}
	if d := cfg.GetMQTTConnectTimeout(); d > 0 {
		opts.SetConnectTimeout(d)
	}
	if user := cfg.GetMQTTUsername(); user != "" {
		opts.SetUsername(user)
		opts.SetPassword(resolvePassword(cfg, logger))
	}
	if cfg.GetMQTTTLS() {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	return newBroker(opts, cfg.GetMQTTQoS(), logger), nil
}

func newBroker(opts *paho.ClientOptions, qos byte, logger watermill.LoggerAdapter) *Broker {
	b := &Broker{opts: opts, qos: qos, logger: logger}
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		b.deliver(msg.Topic(), msg.Payload())
	})
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		b.lost(err)
	}
	return b
}

// resolvePassword prefers the inline password, then the password file. A
// missing file is not fatal: anonymous brokers accept an empty password.
func resolvePassword(cfg transport.Config, logger watermill.LoggerAdapter) string {
	if pw := cfg.GetMQTTPassword(); pw != "" {
		return pw
	}
	path := cfg.GetMQTTPasswordFile()
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Info("MQTT password file not readable, using empty password", watermill.LogFields{
			"path":     path,
			"error":    err.Error(),
			"severity": "warning",
		})
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// Capabilities implements transport.CapabilitiesProvider.
func (b *Broker) Capabilities() transport.Capabilities {
	return transport.MQTTCapabilities
}

func (b *Broker) OnMessage(handler transport.MessageHandler) {
	b.mu.Lock()
	b.onMessage = handler
	b.mu.Unlock()
}

func (b *Broker) OnConnectionLost(handler transport.ConnectionLostHandler) {
	b.mu.Lock()
	b.onLost = handler
	b.mu.Unlock()
}

// SetLastWill registers payload to be published by the server on topic if
// this client disappears without disconnecting.
func (b *Broker) SetLastWill(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return errAlreadyConnected
	}
	b.opts.SetBinaryWill(topic, payload, b.qos, false)
	return nil
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.client != nil {
		b.mu.Unlock()
		return errAlreadyConnected
	}
	client := ClientFactory(b.opts)
	b.client = client
	b.mu.Unlock()

	if err := wait(ctx, client.Connect()); err != nil {
		b.mu.Lock()
		b.client = nil
		b.mu.Unlock()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.logger.Info("Connected to MQTT broker", nil)
	return nil
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := b.connected()
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Publish(topic, b.qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers topic without a per-topic callback so deliveries reach
// the default handler and the OnMessage hook.
func (b *Broker) Subscribe(ctx context.Context, topic string) error {
	client, err := b.connected()
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Subscribe(topic, b.qos, nil)); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Unsubscribe(ctx context.Context, topic string) error {
	client, err := b.connected()
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("mqtt unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Close disconnects cleanly. The server discards the will.
func (b *Broker) Close() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiesce)
	}
	return nil
}

func (b *Broker) connected() (paho.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, errNotConnected
	}
	return b.client, nil
}

func (b *Broker) deliver(topic string, payload []byte) {
	b.mu.Lock()
	handler := b.onMessage
	b.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func (b *Broker) lost(err error) {
	b.logger.Error("MQTT connection lost", err, nil)
	b.mu.Lock()
	handler := b.onLost
	b.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// wait blocks until token completes or ctx is done.
func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
