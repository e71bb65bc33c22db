// Package bridge adapts a Watermill publisher/subscriber pair to the
// transport.Broker contract. The channel, nats, kafka and rabbitmq transports
// are all bridges over their Watermill implementations.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/eapache/queue"

	"github.com/drblury/silverline/internal/runtime/ids"
	"github.com/drblury/silverline/transport"
)

var (
	errNotConnected     = errors.New("bridge: not connected")
	errAlreadyConnected = errors.New("bridge: already connected")
	errClosed           = errors.New("bridge: closed")
)

// TopicMapper rewrites a SilverLine topic into a name the backend accepts.
type TopicMapper func(topic string) string

// Options configures a Broker.
type Options struct {
	// Name is used in log fields, e.g. "nats".
	Name string
	// MapTopic is applied to every topic before it reaches Watermill. Nil
	// leaves topics untouched.
	MapTopic TopicMapper
	// Capabilities reported by the broker.
	Capabilities transport.Capabilities
	Logger       watermill.LoggerAdapter
}

type delivery struct {
	topic   string
	payload []byte
}

// Broker is a transport.Broker over Watermill. All subscriptions feed one
// dispatcher goroutine so deliveries reach the OnMessage handler serialized,
// in arrival order per topic.
//
// Watermill backends have no last-will. The will is published by the client
// when the context passed to Connect is cancelled before Close, which covers
// signal-driven shutdown but not a crashed process.
type Broker struct {
	pub      message.Publisher
	sub      message.Subscriber
	mapTopic TopicMapper
	caps     transport.Capabilities
	logger   watermill.LoggerAdapter

	mu        sync.Mutex
	connected bool
	closed    bool
	subs      map[string]context.CancelFunc
	onMessage transport.MessageHandler
	onLost    transport.ConnectionLostHandler
	willTopic string
	will      []byte

	pendingMu sync.Mutex
	pending   *queue.Queue
	notify    chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

var _ transport.Broker = (*Broker)(nil)

// New wraps pub and sub. Both are closed by Close.
func New(pub message.Publisher, sub message.Subscriber, opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	mapTopic := opts.MapTopic
	if mapTopic == nil {
		mapTopic = func(topic string) string { return topic }
	}
	return &Broker{
		pub:      pub,
		sub:      sub,
		mapTopic: mapTopic,
		caps:     opts.Capabilities,
		logger:   logger.With(watermill.LogFields{"transport": opts.Name}),
		subs:     make(map[string]context.CancelFunc),
		pending:  queue.New(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Capabilities implements transport.CapabilitiesProvider.
func (b *Broker) Capabilities() transport.Capabilities {
	return b.caps
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

func (b *Broker) SetLastWill(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return errAlreadyConnected
	}
	b.willTopic = topic
	b.will = append([]byte(nil), payload...)
	return nil
}

// Connect starts the dispatcher. Cancelling ctx before Close publishes the
// will and reports a lost connection.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.closed:
		return errClosed
	case b.connected:
		return errAlreadyConnected
	}
	b.connected = true

	b.wg.Add(2)
	go b.dispatch()
	go b.watch(ctx)
	return nil
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if !b.isConnected() {
		return errNotConnected
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.SetContext(ctx)
	if err := b.pub.Publish(b.mapTopic(topic), msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	if !b.connected || b.closed {
		b.mu.Unlock()
		return errNotConnected
	}
	if _, ok := b.subs[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(context.Background())
	b.subs[topic] = cancel
	b.mu.Unlock()

	messages, err := b.sub.Subscribe(subCtx, b.mapTopic(topic))
	if err != nil {
		cancel()
		b.mu.Lock()
		delete(b.subs, topic)
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	b.wg.Add(1)
	go b.forward(subCtx, topic, messages)
	return nil
}

func (b *Broker) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	cancel, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Close stops every subscription and the dispatcher. It is a clean
// disconnect, so the will is not published.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	wasConnected := b.connected
	b.connected = false
	for topic, cancel := range b.subs {
		cancel()
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	if wasConnected {
		close(b.done)
	}
	errs := []error{b.sub.Close(), b.pub.Close()}
	b.wg.Wait()
	return errors.Join(errs...)
}

func (b *Broker) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && !b.closed
}

// forward moves messages of one subscription into the dispatcher queue. The
// queue is unbounded so a handler that publishes never waits on its own
// delivery goroutine.
func (b *Broker) forward(ctx context.Context, topic string, messages <-chan *message.Message) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.enqueue(delivery{topic: topic, payload: msg.Payload})
			msg.Ack()
		}
	}
}

func (b *Broker) enqueue(d delivery) {
	b.pendingMu.Lock()
	b.pending.Add(d)
	b.pendingMu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Broker) next() (delivery, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if b.pending.Length() == 0 {
		return delivery{}, false
	}
	return b.pending.Remove().(delivery), true
}

func (b *Broker) dispatch() {
	defer b.wg.Done()
	for {
		for {
			d, ok := b.next()
			if !ok {
				break
			}
			b.mu.Lock()
			handler := b.onMessage
			b.mu.Unlock()
			if handler != nil {
				handler(d.topic, d.payload)
			}
		}
		select {
		case <-b.notify:
		case <-b.done:
			return
		}
	}
}

func (b *Broker) watch(ctx context.Context) {
	defer b.wg.Done()
	select {
	case <-b.done:
		return
	case <-ctx.Done():
	}

	b.mu.Lock()
	topic, will, onLost := b.willTopic, b.will, b.onLost
	b.mu.Unlock()

	if topic != "" {
		msg := message.NewMessage(ids.CreateULID(), will)
		if err := b.pub.Publish(b.mapTopic(topic), msg); err != nil {
			b.logger.Error("Failed to publish last will", err, watermill.LogFields{"topic": topic})
		} else {
			b.logger.Info("Published last will", watermill.LogFields{"topic": topic})
		}
	}
	if onLost != nil {
		onLost(ctx.Err())
	}
}
