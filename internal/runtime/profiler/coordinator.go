// Package profiler drives benchmark traffic against deployed modules.
//
// A module reads requests from benchmark/in/<id> and answers on
// benchmark/out/<id>. One coordinator per module reacts to each answer on the
// Mux delivery goroutine; the next request is published from a timer so a
// delay never holds up deliveries for other modules.
package profiler

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/silverline/internal/runtime/errors"
	"github.com/drblury/silverline/internal/runtime/logging"
	"github.com/drblury/silverline/internal/runtime/metrics"
	"github.com/drblury/silverline/internal/runtime/mux"
)

// Exit tells a benchmark module to stop.
var Exit = []byte("exit")

const publishTimeout = 10 * time.Second

// InTopic is where module reads requests.
func InTopic(module string) string { return "benchmark/in/" + module }

// OutTopic is where module publishes responses.
func OutTopic(module string) string { return "benchmark/out/" + module }

// Mux is the part of *mux.Mux coordinators use.
type Mux interface {
	Handle(ctx context.Context, topic string, handler mux.Handler) (*mux.Subscription, error)
	Write(ctx context.Context, topic string, payload []byte) error
}

// Option configures a coordinator.
type Option func(*coordinator)

// WithLogger sets the logger.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(c *coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records payload sizes and round trip times.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *coordinator) { c.metrics = m }
}

// WithProgress is called on the delivery goroutine after each completed
// round trip. It must return quickly.
func WithProgress(fn func(Progress)) Option {
	return func(c *coordinator) { c.progress = fn }
}

// Progress reports completed rounds for one module, or check-ins of a
// timed run when Module is empty.
type Progress struct {
	Mode   Mode
	Module string
	Done   int
	Total  int
}

// Coordinator is the part of every coordinator the drivers rely on.
type Coordinator interface {
	Module() string
	Done() <-chan struct{}
	Close() error
}

type coordinator struct {
	mux      Mux
	mode     Mode
	module   string
	in       string
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
	progress func(Progress)
	sub      *mux.Subscription

	mu       sync.Mutex
	lastSeen time.Time
	sentAt   time.Time
	timer    *time.Timer
	closed   bool
	finished bool
	err      error

	doneOnce sync.Once
	done     chan struct{}
}

func newCoordinator(m Mux, mode Mode, module string, opts []Option) (*coordinator, error) {
	if m == nil {
		return nil, errors.ErrMuxRequired
	}
	if module == "" {
		return nil, errors.ErrModuleIDRequired
	}
	c := &coordinator{
		mux:    m,
		mode:   mode,
		module: module,
		in:     InTopic(module),
		logger: logging.NopLogger(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.LogFields{"module": module, "mode": string(mode)})
	return c, nil
}

// listen routes the module's responses to onResponse.
func (c *coordinator) listen(ctx context.Context, onResponse func(payload []byte)) error {
	sub, err := c.mux.Handle(ctx, OutTopic(c.module), func(_ string, payload []byte) {
		if c.isFinished() {
			return
		}
		c.observe()
		onResponse(payload)
	})
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

func (c *coordinator) Module() string { return c.module }

func (c *coordinator) Done() <-chan struct{} { return c.done }

// Err returns the publish error that ended the coordinator early, if any.
func (c *coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops pending sends and unsubscribes.
func (c *coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	if c.sub == nil {
		return nil
	}
	return c.sub.Close()
}

func (c *coordinator) observe() {
	now := time.Now()
	c.mu.Lock()
	c.lastSeen = now
	sent := c.sentAt
	c.sentAt = time.Time{}
	c.mu.Unlock()
	if !sent.IsZero() {
		c.metrics.RecordRoundTrip(string(c.mode), c.module, now.Sub(sent))
	}
}

func (c *coordinator) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *coordinator) signal() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *coordinator) reportProgress(done, total int) {
	if c.progress != nil {
		c.progress(Progress{Mode: c.mode, Module: c.module, Done: done, Total: total})
	}
}

// sendAfter publishes the payload returned by next once delay has passed.
func (c *coordinator) sendAfter(delay time.Duration, next func() []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.timer = time.AfterFunc(delay, func() {
		payload := next()
		c.metrics.RecordPayload(string(c.mode), c.module, len(payload))
		c.publish(payload, true)
	})
}

func (c *coordinator) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// exit tells the module to stop and then signals completion. Only the first
// call publishes; responses after it are ignored.
func (c *coordinator) exit() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()
	go func() {
		c.publish(Exit, false)
		c.signal()
	}()
}

func (c *coordinator) publish(payload []byte, timed bool) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if timed {
		c.mu.Lock()
		c.sentAt = time.Now()
		c.mu.Unlock()
	}
	if err := c.mux.Write(ctx, c.in, payload); err != nil {
		c.logger.Error("Benchmark publish failed", err, nil)
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
		c.signal()
	}
}

// join waits until c signals or has seen no response for idle.
func join(ctx context.Context, c *coordinator, idle time.Duration) error {
	started := time.Now()
	for {
		since := c.lastActivity()
		if since.Before(started) {
			since = started
		}
		remaining := idle - time.Since(since)
		if remaining <= 0 {
			return &errors.JoinTimeoutError{Module: c.module, Idle: idle}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-c.done:
			timer.Stop()
			return c.Err()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
