// Package brokertest provides an in-memory transport.Broker for tests.
//
// Deliveries run on a single goroutine in the order they were queued, the
// same guarantee the real transports give.
package brokertest

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/drblury/silverline/transport"
)

// Message is a published or delivered payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Broker records everything a client does and lets the test play the other
// side of the connection.
type Broker struct {
	// Errors returned by the matching calls when set.
	ConnectErr     error
	SubscribeErr   error
	UnsubscribeErr error
	PublishErr     error

	mu         sync.Mutex
	connected  bool
	closed     bool
	will       *Message
	subs       map[string]struct{}
	subscribed []string
	published  []Message
	onMessage  transport.MessageHandler
	onLost     transport.ConnectionLostHandler
	onPublish  func(topic string, payload []byte)

	qmu     sync.Mutex
	pending *queue.Queue
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

// New starts a broker with its delivery goroutine.
func New() *Broker {
	b := &Broker{
		subs:    make(map[string]struct{}),
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go b.run()
	return b
}

// OnPublish installs a responder called synchronously for every publish,
// after the message is recorded. It typically calls Deliver.
func (b *Broker) OnPublish(fn func(topic string, payload []byte)) {
	b.mu.Lock()
	b.onPublish = fn
	b.mu.Unlock()
}

func (b *Broker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ConnectErr != nil {
		return b.ConnectErr
	}
	b.connected = true
	return nil
}

func (b *Broker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.PublishErr != nil {
		b.mu.Unlock()
		return b.PublishErr
	}
	b.published = append(b.published, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	fn := b.onPublish
	b.mu.Unlock()
	if fn != nil {
		fn(topic, payload)
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubscribeErr != nil {
		return b.SubscribeErr
	}
	b.subs[topic] = struct{}{}
	b.subscribed = append(b.subscribed, topic)
	return nil
}

func (b *Broker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return b.UnsubscribeErr
}

func (b *Broker) SetLastWill(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.will = &Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	return nil
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

// Close stops the delivery goroutine. The will is not published.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.connected = false
	b.mu.Unlock()
	b.once.Do(func() { close(b.stop) })
	return nil
}

// Deliver queues payload for topic if the client is subscribed to it.
func (b *Broker) Deliver(topic string, payload []byte) {
	if !b.Subscribed(topic) {
		return
	}
	b.Inject(topic, payload)
}

// Inject queues payload for topic regardless of subscriptions, like a broker
// delivering a message that was in flight when the client unsubscribed.
func (b *Broker) Inject(topic string, payload []byte) {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	b.enqueue(func() {
		b.mu.Lock()
		h := b.onMessage
		b.mu.Unlock()
		if h != nil {
			h(msg.Topic, msg.Payload)
		}
	})
}

// Flush blocks until every delivery queued before the call has been handed
// to the client.
func (b *Broker) Flush() {
	done := make(chan struct{})
	b.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-b.stop:
	}
}

// DropConnection simulates an unclean disconnect: the will, if any, is
// returned and the lost handler is called with cause.
func (b *Broker) DropConnection(cause error) (Message, bool) {
	b.mu.Lock()
	b.connected = false
	h := b.onLost
	will := b.will
	b.mu.Unlock()
	if h != nil {
		h(cause)
	}
	if will == nil {
		return Message{}, false
	}
	return *will, true
}

// Connected reports whether Connect succeeded and Close was not called.
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Closed reports whether Close was called.
func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscribed reports whether topic currently has a subscription.
func (b *Broker) Subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[topic]
	return ok
}

// SubscribeHistory returns every topic ever subscribed, in order.
func (b *Broker) SubscribeHistory() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribed...)
}

// Will returns the armed last will.
func (b *Broker) Will() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.will == nil {
		return Message{}, false
	}
	return *b.will, true
}

// Published returns every published message in order.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedOn returns the payloads published on topic in order.
func (b *Broker) PublishedOn(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}

// WaitPublished blocks until at least n messages were published on topic or
// timeout elapses, and returns what was published.
func (b *Broker) WaitPublished(topic string, n int, timeout time.Duration) [][]byte {
	deadline := time.Now().Add(timeout)
	for {
		got := b.PublishedOn(topic)
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *Broker) enqueue(fn func()) {
	b.qmu.Lock()
	b.pending.Add(fn)
	b.qmu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) next() (func(), bool) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if b.pending.Length() == 0 {
		return nil, false
	}
	return b.pending.Remove().(func()), true
}

func (b *Broker) run() {
	for {
		if fn, ok := b.next(); ok {
			fn()
			continue
		}
		select {
		case <-b.wake:
		case <-b.stop:
			return
		}
	}
}

var _ transport.Broker = (*Broker)(nil)
