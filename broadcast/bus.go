// Package broadcast implements the broadcast bus (spec.md #4.5): every
// successful set publishes a two-part frame [topic, body-json] to
// out-of-process subscribers over a PUB socket, and mirrors the same event
// to in-process listeners through an in-memory fan-out. The in-process
// side is adapted from the corpus's mcp.Broadcaster/channelBroadcaster
// (runtime/mcp/broadcast.go): buffered per-subscriber channels with an
// optional drop-on-full policy, generalized here from an untyped payload
// to a structured Event and given topic-prefix filtering to match
// publisher/subscriber socket semantics (spec.md #4.5).
package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/toolsforexperiments/instrumentserver/telemetry"
	"github.com/toolsforexperiments/instrumentserver/wire"
)

// Event is one parameter-change (or structural) notification, paired with
// its fully-qualified dotted topic.
type Event struct {
	Topic string
	Body  wire.BroadcastBody
}

// Publisher delivers an encoded frame to out-of-process subscribers. It
// must not block the caller for long: publication is best-effort
// (spec.md #4.5).
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NopPublisher discards every frame; used when no PUB socket is wired
// (e.g. tests exercising only the in-process fan-out).
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(string, []byte) error { return nil }

// Subscription is a live in-process registration with a Bus.
type Subscription interface {
	// C delivers events in publish order, filtered to the subscription's
	// topic prefix. It is closed when Close is called or the Bus is
	// closed.
	C() <-chan Event
	Close() error
}

// Bus combines the out-of-process Publisher with an in-memory fan-out.
// Safe for concurrent use from multiple handler goroutines.
type Bus struct {
	pub    Publisher
	logger telemetry.Logger
	metrics telemetry.Metrics

	mu     sync.RWMutex
	subs   map[chan Event]string // channel -> topic prefix filter
	buf    int
	drop   bool
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber channel buffer size (default 16).
func WithBufferSize(n int) Option {
	return func(b *Bus) { b.buf = n }
}

// WithDrop controls whether Publish drops events for a full subscriber
// channel (true, the default) or blocks the publisher until space frees up.
func WithDrop(drop bool) Option {
	return func(b *Bus) { b.drop = drop }
}

// WithLogger attaches a Logger for publish-path diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics attaches a Metrics recorder for drop/publish counters.
func WithMetrics(m telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New constructs a Bus that publishes out-of-process through pub.
func New(pub Publisher, opts ...Option) *Bus {
	b := &Bus{
		pub:     pub,
		logger:  telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
		subs:    make(map[chan Event]string),
		buf:     16,
		drop:    true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit publishes ev to the out-of-process PUB socket and to every matching
// in-process subscriber. A failed PUB publish drops the event. A full
// subscriber channel drops it too under the default drop policy; a Bus
// built with WithDrop(false) instead waits until that channel has space.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev.Body)
	if err != nil {
		b.logger.Error(ctx, "encode broadcast body", "topic", ev.Topic, "err", err)
		return
	}
	if err := b.pub.Publish(ev.Topic, body); err != nil {
		b.metrics.IncCounter("broadcast.publish.dropped", 1, "topic", ev.Topic)
		b.logger.Warn(ctx, "dropped broadcast publish", "topic", ev.Topic, "err", err)
	} else {
		b.metrics.IncCounter("broadcast.publish.ok", 1)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch, prefix := range b.subs {
		if !strings.HasPrefix(ev.Topic, prefix) {
			continue
		}
		select {
		case ch <- ev:
		default:
			if b.drop {
				b.metrics.IncCounter("broadcast.fanout.dropped", 1, "topic", ev.Topic)
				continue
			}
			ch <- ev
		}
	}
}

// Subscribe registers an in-process listener filtered to topics with the
// given prefix; an empty prefix receives every event (spec.md #4.5).
func (b *Bus) Subscribe(ctx context.Context, topicPrefix string) (Subscription, error) {
	ch := make(chan Event, b.buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return &subscription{ch: ch, bus: b}, nil
	}
	b.subs[ch] = topicPrefix
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = (&subscription{ch: ch, bus: b}).Close()
	}()
	return &subscription{ch: ch, bus: b}, nil
}

// Close terminates the bus and all active in-process subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	return nil
}

type subscription struct {
	ch  chan Event
	bus *Bus
}

func (s *subscription) C() <-chan Event { return s.ch }

func (s *subscription) Close() error {
	if s == nil || s.bus == nil || s.ch == nil {
		return nil
	}
	s.bus.mu.Lock()
	if _, ok := s.bus.subs[s.ch]; ok {
		close(s.ch)
		delete(s.bus.subs, s.ch)
	}
	s.bus.mu.Unlock()
	return nil
}
