package mqtt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/silverline/internal/runtime/config"
	"github.com/drblury/silverline/transport"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	connected    bool
	published    []published
	subscribed   []string
	unsubscribed []string
	disconnected bool
	connectToken paho.Token
}

func (c *fakeClient) IsConnected() bool      { return c.connected }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected }

func (c *fakeClient) Connect() paho.Token {
	if c.connectToken != nil {
		return c.connectToken
	}
	c.connected = c.connectErr == nil
	return doneToken(c.connectErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	if callback != nil {
		return doneToken(errors.New("per-topic callbacks are not used"))
	}
	c.subscribed = append(c.subscribed, topic)
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.unsubscribed = append(c.unsubscribed, topics...)
	return doneToken(nil)
}

func (c *fakeClient) AddRoute(string, paho.MessageHandler) {}

func (c *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func stubClient(t *testing.T, client *fakeClient) **paho.ClientOptions {
	t.Helper()
	original := ClientFactory
	t.Cleanup(func() { ClientFactory = original })
	var captured *paho.ClientOptions
	ClientFactory = func(opts *paho.ClientOptions) paho.Client {
		captured = opts
		return client
	}
	return &captured
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MQTTPasswordFile = ""
	cfg.MQTTQoS = 1
	return &cfg
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.True(t, transport.GetCapabilities(TransportName).SupportsLastWill)
}

func TestBuildConfiguresClient(t *testing.T) {
	client := &fakeClient{}
	captured := stubClient(t, client)

	cfg := testConfig()
	cfg.MQTTPassword = "secret"
	cfg.MQTTTLS = true

	broker, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, broker.SetLastWill("realm/proc/reg", []byte("delete")))
	require.NoError(t, broker.Connect(context.Background()))

	opts := *captured
	require.NotNil(t, opts)
	assert.True(t, strings.HasPrefix(opts.ClientID, "cid:"))
	assert.Equal(t, "cli", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.True(t, opts.Order)
	assert.False(t, opts.AutoReconnect)
	assert.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "localhost:1883", opts.Servers[0].Host)

	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "realm/proc/reg", opts.WillTopic)
	assert.Equal(t, []byte("delete"), opts.WillPayload)
	assert.Equal(t, byte(1), opts.WillQos)
}

func TestWillMustPrecedeConnect(t *testing.T) {
	stubClient(t, &fakeClient{})
	broker, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, broker.Connect(context.Background()))

	assert.ErrorIs(t, broker.SetLastWill("t", nil), errAlreadyConnected)
	assert.ErrorIs(t, broker.Connect(context.Background()), errAlreadyConnected)
}

func TestOperationsRequireConnection(t *testing.T) {
	broker, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, broker.Publish(ctx, "t", nil), errNotConnected)
	assert.ErrorIs(t, broker.Subscribe(ctx, "t"), errNotConnected)
	assert.ErrorIs(t, broker.Unsubscribe(ctx, "t"), errNotConnected)
	assert.NoError(t, broker.Close())
}

func TestConnectFailureAllowsRetry(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("not authorized")}
	stubClient(t, client)
	broker, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	err = broker.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")

	client.connectErr = nil
	assert.NoError(t, broker.Connect(context.Background()))
}

func TestConnectHonoursContext(t *testing.T) {
	client := &fakeClient{connectToken: &fakeToken{done: make(chan struct{})}}
	stubClient(t, client)
	broker, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, broker.Connect(ctx), context.DeadlineExceeded)
}

func TestPublishSubscribeDeliver(t *testing.T) {
	client := &fakeClient{}
	captured := stubClient(t, client)
	broker, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)

	var got []string
	broker.OnMessage(func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	})
	lost := make(chan error, 1)
	broker.OnConnectionLost(func(err error) { lost <- err })

	ctx := context.Background()
	require.NoError(t, broker.Connect(ctx))
	require.NoError(t, broker.Subscribe(ctx, "benchmark/out/m1"))
	require.NoError(t, broker.Publish(ctx, "benchmark/in/m1", []byte(">>> abc")))
	require.NoError(t, broker.Unsubscribe(ctx, "benchmark/out/m1"))

	assert.Equal(t, []string{"benchmark/out/m1"}, client.subscribed)
	assert.Equal(t, []string{"benchmark/out/m1"}, client.unsubscribed)
	require.Len(t, client.published, 1)
	assert.Equal(t, published{topic: "benchmark/in/m1", qos: 1, payload: []byte(">>> abc")}, client.published[0])

	opts := *captured
	opts.DefaultPublishHandler(client, fakeMessage{topic: "benchmark/out/m1", payload: []byte("ack")})
	assert.Equal(t, []string{"benchmark/out/m1=ack"}, got)

	boom := errors.New("EOF")
	opts.OnConnectionLost(client, boom)
	assert.ErrorIs(t, <-lost, boom)

	require.NoError(t, broker.Close())
	assert.True(t, client.disconnected)
}

func TestResolvePassword(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mqtt_pwd.txt")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	cfg := testConfig()
	cfg.MQTTPasswordFile = path
	assert.Equal(t, "from-file", resolvePassword(cfg, watermill.NopLogger{}))

	cfg.MQTTPassword = "inline"
	assert.Equal(t, "inline", resolvePassword(cfg, watermill.NopLogger{}))

	cfg.MQTTPassword = ""
	cfg.MQTTPasswordFile = filepath.Join(dir, "missing.txt")
	assert.Equal(t, "", resolvePassword(cfg, watermill.NopLogger{}))
}
