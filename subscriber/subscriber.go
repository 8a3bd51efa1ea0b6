// Package subscriber implements the LISTEN/NOTIFY fan-out described in
// spec §4.5: many consumer streams share one physical LISTEN per channel,
// notifications are delivered in publisher emission order, and the
// physical LISTEN is torn down the moment the last consumer detaches.
//
// The package is backend-agnostic: it multiplexes and reconnects, but
// knows nothing about pgx, sqlx, or any other driver. Each pgpool backend
// supplies a Conn implementation (the *ListenerConn types in pooled.go,
// tagged.go, and singleconn.go) that knows how to issue LISTEN/UNLISTEN on
// its particular connection family, and wraps it in a BackoffListener.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrReleased is returned by Subscribe once Release has been called.
var ErrReleased = errors.New("subscriber: released")

// ListenError carries the channel name a physical LISTEN failed for and
// the underlying driver error, delivered both to onError callbacks and
// (on the first, synchronous attempt) returned from Subscribe.
type ListenError struct {
	Channel string
	Err     error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("subscriber: listen %q: %v", e.Channel, e.Err)
}

func (e *ListenError) Unwrap() error { return e.Err }

// Listener is implemented once per backend. Listen must issue a physical
// LISTEN on channel and invoke onNotify for every payload received until
// the returned unlisten func is called (ctx bounds only the initial LISTEN
// attempt; BackoffListener keeps listening after it is canceled); connection
// errors should be retried internally (reconnect with backoff) rather than
// returned, except for the very first attempt made from Subscribe.
type Listener interface {
	Listen(ctx context.Context, channel string, onNotify func(payload string), onError func(error)) (unlisten func(), err error)
}

// topic is the per-channel fan-out state: the consumers registered against
// it, in registration order, plus the handle to tear down the physical
// LISTEN once the last one detaches.
type topic struct {
	mu        sync.Mutex
	consumers []*Consumer
	unlisten  func()
}

// Subscriber multiplexes LISTEN channels across any number of consumers.
// One Subscriber instance owns exactly one physical connection per
// currently-subscribed channel (never more), regardless of how many
// Consumers are registered against that channel.
type Subscriber struct {
	listener Listener
	logger   *logrus.Entry

	mu      sync.Mutex
	topics  map[string]*topic
	closed  bool
}

// New creates a Subscriber backed by listener. logger may be nil (falls
// back to logrus.StandardLogger()).
func New(listener Listener, logger *logrus.Entry) *Subscriber {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Subscriber{
		listener: listener,
		logger:   logger,
		topics:   make(map[string]*topic),
	}
}

// Subscribe returns a Consumer that yields every payload published to
// channel from the moment of subscription onward. Multiple Subscribe calls
// for the same channel share a single physical LISTEN.
func (s *Subscriber) Subscribe(ctx context.Context, channel string) (*Consumer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrReleased
	}

	t, exists := s.topics[channel]
	if !exists {
		t = &topic{}
		s.topics[channel] = t
	}
	s.mu.Unlock()

	t.mu.Lock()
	needsListen := t.unlisten == nil
	t.mu.Unlock()

	if needsListen {
		unlisten, err := s.listener.Listen(ctx, channel,
			func(payload string) { s.deliver(channel, payload) },
			func(err error) { s.logger.WithError(err).WithField("channel", channel).Warn("subscriber: listen connection error") },
		)
		if err != nil {
			s.mu.Lock()
			delete(s.topics, channel)
			s.mu.Unlock()
			return nil, &ListenError{Channel: channel, Err: err}
		}

		t.mu.Lock()
		t.unlisten = unlisten
		t.mu.Unlock()
	}

	var c *Consumer
	c = newConsumer(channel, func() { s.detach(channel, c) })

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	return c, nil
}

// deliver fans a notification out to every consumer of channel, in
// registration order, per spec §4.5 step 1.
func (s *Subscriber) deliver(channel string, payload string) {
	s.mu.Lock()
	t, ok := s.topics[channel]
	s.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	consumers := make([]*Consumer, len(t.consumers))
	copy(consumers, t.consumers)
	t.mu.Unlock()

	for _, c := range consumers {
		c.deliver(payload)
	}
}

// detach removes c from channel's consumer list and tears down the
// physical LISTEN if that was the last consumer.
func (s *Subscriber) detach(channel string, c *Consumer) {
	s.mu.Lock()
	t, ok := s.topics[channel]
	s.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	for i, existing := range t.consumers {
		if existing == c {
			t.consumers = append(t.consumers[:i], t.consumers[i+1:]...)
			break
		}
	}
	empty := len(t.consumers) == 0
	unlisten := t.unlisten
	if empty {
		t.unlisten = nil
	}
	t.mu.Unlock()

	if empty {
		s.mu.Lock()
		delete(s.topics, channel)
		s.mu.Unlock()
		if unlisten != nil {
			unlisten()
		}
	}
}

// Stats reports how many channels currently hold a live physical LISTEN and
// how many Consumers are registered across all of them, for callers (e.g.
// pgmetrics) that want to expose subscriber fan-out as gauges without
// reaching into unexported fields.
type Stats struct {
	ActiveChannels int
	TotalConsumers int
}

func (s *Subscriber) Stats() Stats {
	s.mu.Lock()
	topics := make([]*topic, 0, len(s.topics))
	for _, t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	stats := Stats{ActiveChannels: len(topics)}
	for _, t := range topics {
		t.mu.Lock()
		stats.TotalConsumers += len(t.consumers)
		t.mu.Unlock()
	}
	return stats
}

// Release marks the subscriber dead, forcibly finishes every outstanding
// Consumer, and tears down every physical LISTEN. Subsequent Subscribe
// calls fail with ErrReleased.
func (s *Subscriber) Release() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	topics := s.topics
	s.topics = make(map[string]*topic)
	s.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		consumers := make([]*Consumer, len(t.consumers))
		copy(consumers, t.consumers)
		unlisten := t.unlisten
		t.mu.Unlock()

		for _, c := range consumers {
			c.finishWithoutDetach()
		}
		if unlisten != nil {
			unlisten()
		}
	}
}
