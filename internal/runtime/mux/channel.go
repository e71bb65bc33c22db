package mux

import (
	"context"
	"time"

	"github.com/drblury/silverline/internal/runtime/errors"
)

// Channel is a topic-bound mailbox opened with Mux.Open. Reads are safe from
// one goroutine at a time.
type Channel struct {
	mux   *Mux
	route *route
}

// Topic returns the topic the channel is bound to.
func (c *Channel) Topic() string {
	return c.route.topic
}

// Len reports the number of buffered messages.
func (c *Channel) Len() int {
	return c.route.box.len()
}

// Read returns the oldest buffered message, blocking until one arrives, ctx
// ends, the channel is closed or the Mux fails.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	box := c.route.box
	for {
		if payload, ok := box.pop(); ok {
			return payload, nil
		}
		select {
		case <-box.notify:
		case <-box.closed:
			return nil, errors.ErrChannelClosed
		case <-c.mux.Done():
			return nil, c.mux.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Poll waits at most timeout for a message. It reports false without an error
// when nothing arrived in time.
func (c *Channel) Poll(timeout time.Duration) ([]byte, bool, error) {
	if payload, ok := c.route.box.pop(); ok {
		return payload, true, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	payload, err := c.Read(ctx)
	switch {
	case err == nil:
		return payload, true, nil
	case err == context.DeadlineExceeded:
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Write publishes payload on the channel's topic.
func (c *Channel) Write(ctx context.Context, payload []byte) error {
	return c.mux.Write(ctx, c.route.topic, payload)
}

// Close unsubscribes and discards buffered messages. Messages still in flight
// for the topic are dropped as late deliveries. Closing twice is a no-op.
func (c *Channel) Close() error {
	return c.mux.release(c.route)
}

// Subscription is a handler route installed with Mux.Handle.
type Subscription struct {
	mux   *Mux
	route *route
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.route.topic
}

// Close removes the handler and unsubscribes.
func (s *Subscription) Close() error {
	return s.mux.release(s.route)
}
