// Package mux turns one broker connection into many topic-bound channels.
//
// Every inbound message is routed by exact topic match either to the mailbox
// of an open Channel or to a Handler installed with Handle. A message for a
// topic nothing is open on is a ProtocolError: by default it is logged and
// the Mux fails, which wakes every blocked reader with the error. Messages
// still in flight for a topic this Mux closed itself are only counted during
// a grace period after the unsubscribe; later ones are unroutable again.
package mux

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drblury/silverline/internal/runtime/errors"
	"github.com/drblury/silverline/internal/runtime/logging"
	"github.com/drblury/silverline/internal/runtime/metrics"
	"github.com/drblury/silverline/transport"
)

// Handler consumes messages for one topic on the delivery goroutine. It must
// not block; long work belongs on another goroutine.
type Handler func(topic string, payload []byte)

// ErrorHandler receives errors detected on the delivery goroutine.
type ErrorHandler func(err error)

const (
	unsubscribeTimeout = 10 * time.Second

	// DefaultLateGrace is how long deliveries on a closed topic count as late.
	DefaultLateGrace = unsubscribeTimeout
)

// Option configures a Mux.
type Option func(*Mux)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(m *Mux) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records delivery and publish statistics.
func WithMetrics(mtr *metrics.Metrics) Option {
	return func(m *Mux) { m.metrics = mtr }
}

// WithLateGrace sets how long after an unsubscribe deliveries on the closed
// topic are dropped as late instead of reported as unroutable.
func WithLateGrace(d time.Duration) Option {
	return func(m *Mux) {
		if d > 0 {
			m.lateGrace = d
		}
	}
}

// WithErrorHandler replaces the default policy for delivery errors. The
// handler may call Fail to keep the fatal behaviour.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(m *Mux) { m.onError = handler }
}

// ConnectOption configures Connect.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	willTopic string
	will      []byte
}

// WithLastWill arms payload to be published on topic if the connection drops
// uncleanly.
func WithLastWill(topic string, payload []byte) ConnectOption {
	return func(o *connectOptions) {
		o.willTopic = topic
		o.will = payload
	}
}

type route struct {
	topic   string
	box     *mailbox
	handler Handler
}

// Mux owns the broker connection and the topic routing table. It is the only
// component that talks to the broker.
type Mux struct {
	broker  transport.Broker
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
	onError ErrorHandler

	lateGrace time.Duration

	mu         sync.Mutex
	routes     map[string]*route
	tombstones map[string]time.Time // closed topic to end of its grace period
	connected  bool
	closed     bool
	err        error

	failOnce sync.Once
	failed   chan struct{}
}

// New creates a Mux over broker. The broker must not be connected yet.
func New(broker transport.Broker, opts ...Option) (*Mux, error) {
	if broker == nil {
		return nil, errors.ErrBrokerRequired
	}
	m := &Mux{
		broker:     broker,
		logger:     logging.NopLogger(),
		routes:     make(map[string]*route),
		lateGrace:  DefaultLateGrace,
		tombstones: make(map[string]time.Time),
		failed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Connect installs the delivery hooks, arms the optional last will and opens
// the broker connection.
func (m *Mux) Connect(ctx context.Context, opts ...ConnectOption) error {
	var o connectOptions
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return errors.ErrMuxClosed
	case m.connected:
		m.mu.Unlock()
		return errors.ErrAlreadyConnected
	}
	m.connected = true
	m.mu.Unlock()

	if o.willTopic != "" {
		if err := m.broker.SetLastWill(o.willTopic, o.will); err != nil {
			m.setConnected(false)
			return fmt.Errorf("set last will: %w", err)
		}
	}
	m.broker.OnMessage(m.dispatch)
	m.broker.OnConnectionLost(m.connectionLost)

	if err := m.broker.Connect(ctx); err != nil {
		m.setConnected(false)
		return fmt.Errorf("connect: %w", err)
	}
	m.logger.Debug("Broker connected", logging.LogFields{"last_will": o.willTopic})
	return nil
}

// Open subscribes to topic and returns a Channel buffering its messages.
// Only one channel or handler may be open per topic.
func (m *Mux) Open(ctx context.Context, topic string) (*Channel, error) {
	r := &route{topic: topic, box: newMailbox()}
	if err := m.install(ctx, r); err != nil {
		return nil, err
	}
	return &Channel{mux: m, route: r}, nil
}

// Handle subscribes to topic and calls handler for each message on the
// delivery goroutine.
func (m *Mux) Handle(ctx context.Context, topic string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.ErrHandlerRequired
	}
	r := &route{topic: topic, handler: handler}
	if err := m.install(ctx, r); err != nil {
		return nil, err
	}
	return &Subscription{mux: m, route: r}, nil
}

// Write publishes payload on topic. No channel needs to be open.
func (m *Mux) Write(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.ErrTopicRequired
	}
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.broker.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	m.metrics.RecordPublish(kindOf(topic), len(payload))
	return nil
}

// Topics returns the sorted list of routed topics.
func (m *Mux) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.routes))
	for topic := range m.routes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Done is closed when the Mux fails.
func (m *Mux) Done() <-chan struct{} {
	return m.failed
}

// Err returns the error that failed the Mux, or nil.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Fail marks the Mux as failed with err. Blocked reads return err. Only the
// first call has an effect.
func (m *Mux) Fail(err error) {
	m.failOnce.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.failed)
	})
}

// Close releases every route and closes the broker connection. A clean close
// does not trigger the last will.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	routes := make([]*route, 0, len(m.routes))
	for _, r := range m.routes {
		routes = append(routes, r)
	}
	m.routes = make(map[string]*route)
	m.mu.Unlock()

	for _, r := range routes {
		if r.box != nil {
			r.box.close()
		}
	}
	m.metrics.SetOpenRoutes(0)
	return m.broker.Close()
}

func (m *Mux) install(ctx context.Context, r *route) error {
	if r.topic == "" {
		return errors.ErrTopicRequired
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return errors.ErrMuxClosed
	case !m.connected:
		m.mu.Unlock()
		return errors.ErrNotConnected
	}
	if _, ok := m.routes[r.topic]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrTopicInUse, r.topic)
	}
	// The route is live before the subscribe so nothing delivered in between
	// is reported as unroutable.
	m.routes[r.topic] = r
	delete(m.tombstones, r.topic)
	open := len(m.routes)
	m.mu.Unlock()

	if err := m.broker.Subscribe(ctx, r.topic); err != nil {
		m.mu.Lock()
		if m.routes[r.topic] == r {
			delete(m.routes, r.topic)
		}
		m.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	m.metrics.SetOpenRoutes(open)
	m.logger.Trace("Route opened", logging.LogFields{"topic": r.topic})
	return nil
}

func (m *Mux) release(r *route) error {
	m.mu.Lock()
	if m.routes[r.topic] != r {
		m.mu.Unlock()
		return nil
	}
	delete(m.routes, r.topic)
	now := time.Now()
	m.sweepTombstones(now)
	m.tombstones[r.topic] = now.Add(m.lateGrace)
	open := len(m.routes)
	m.mu.Unlock()

	if r.box != nil {
		r.box.close()
	}
	m.metrics.SetOpenRoutes(open)

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	err := m.broker.Unsubscribe(ctx, r.topic)

	// The grace period runs from the end of the unsubscribe.
	m.mu.Lock()
	if _, ok := m.tombstones[r.topic]; ok {
		m.tombstones[r.topic] = time.Now().Add(m.lateGrace)
	}
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", r.topic, err)
	}
	m.logger.Trace("Route closed", logging.LogFields{"topic": r.topic})
	return nil
}

// sweepTombstones drops expired grace periods. Callers hold m.mu.
func (m *Mux) sweepTombstones(now time.Time) {
	for topic, until := range m.tombstones {
		if now.After(until) {
			delete(m.tombstones, topic)
		}
	}
}

// dispatch runs on the broker's delivery goroutine.
func (m *Mux) dispatch(topic string, payload []byte) {
	m.mu.Lock()
	r, ok := m.routes[topic]
	until, late := m.tombstones[topic]
	if late && time.Now().After(until) {
		delete(m.tombstones, topic)
		late = false
	}
	m.mu.Unlock()

	switch {
	case ok && r.box != nil:
		m.metrics.RecordDelivery(metrics.DeliveryRouted)
		r.box.push(payload)
	case ok:
		m.metrics.RecordDelivery(metrics.DeliveryRouted)
		r.handler(topic, payload)
	case late:
		m.metrics.RecordDelivery(metrics.DeliveryLate)
		m.logger.Debug("Dropped late delivery for closed topic", logging.LogFields{
			"topic":   topic,
			"payload": string(errors.Truncate(payload)),
		})
	default:
		m.metrics.RecordDelivery(metrics.DeliveryUnroutable)
		m.report(errors.NewProtocolError(topic, payload, errors.ErrNoRoute))
	}
}

func (m *Mux) report(err error) {
	if m.onError != nil {
		m.onError(err)
		return
	}
	fields := logging.LogFields{}
	if pe, ok := err.(*errors.ProtocolError); ok {
		fields["topic"] = pe.Topic
		fields["payload"] = string(pe.Payload)
	}
	m.logger.Error("Delivery failed", err, fields)
	m.Fail(err)
}

func (m *Mux) connectionLost(cause error) {
	m.logger.Error("Broker connection lost", cause, nil)
	m.Fail(fmt.Errorf("%w: %v", errors.ErrConnectionLost, cause))
}

func (m *Mux) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return errors.ErrMuxClosed
	case !m.connected:
		return errors.ErrNotConnected
	}
	return nil
}

func (m *Mux) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// kindOf labels published bytes by plane without exploding cardinality.
func kindOf(topic string) string {
	if len(topic) >= len("benchmark/") && topic[:len("benchmark/")] == "benchmark/" {
		return "benchmark"
	}
	return "control"
}
