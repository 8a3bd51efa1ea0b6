package subscriber

import (
	"context"
	"sync"
)

// Consumer is a single subscriber's lazy sequence of payloads for one
// topic — the Go realization of the spec's AsyncStream<Payload>. Unlike a
// plain buffered channel, Consumer keeps the exact invariant spec §4.5
// requires: a payload is either sitting in the backlog or resolving exactly
// one parked Next call, never both, and a value delivered while a Next call
// is already waiting skips the backlog entirely.
type Consumer struct {
	topic string

	mu       sync.Mutex
	backlog  []string
	waiters  []chan string
	finished bool
	onDetach func()
}

func newConsumer(topic string, onDetach func()) *Consumer {
	return &Consumer{topic: topic, onDetach: onDetach}
}

// deliver implements the fan-out rule: resolve the head waiter if one is
// parked, otherwise append to the backlog.
func (c *Consumer) deliver(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return
	}

	if len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		w <- payload
		close(w)
		return
	}

	c.backlog = append(c.backlog, payload)
}

// Next returns the next payload for this consumer, blocking until one
// arrives, the context is canceled, or the stream is finished (ok == false,
// err == nil). A canceled context returns ctx.Err().
func (c *Consumer) Next(ctx context.Context) (payload string, ok bool, err error) {
	c.mu.Lock()
	if len(c.backlog) > 0 {
		payload = c.backlog[0]
		c.backlog = c.backlog[1:]
		c.mu.Unlock()
		return payload, true, nil
	}
	if c.finished {
		c.mu.Unlock()
		return "", false, nil
	}

	w := make(chan string, 1)
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case p, chOk := <-w:
		if !chOk {
			return "", false, nil
		}
		return p, true, nil
	case <-ctx.Done():
		c.removeWaiter(w)
		return "", false, ctx.Err()
	}
}

func (c *Consumer) removeWaiter(target chan string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Close marks the stream finished, resolves every parked waiter with
// "done", and detaches this consumer from its topic — tearing down the
// physical LISTEN if it was the last one (spec §4.5 "Return/throw on a
// consumer").
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if c.onDetach != nil {
		c.onDetach()
	}
}

// finishWithoutDetach is used by Subscriber.Release, which has already torn
// down the topic and its physical LISTEN itself; calling onDetach here
// would re-enter and mutate state Release is still unwinding.
func (c *Consumer) finishWithoutDetach() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}
