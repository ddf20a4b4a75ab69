// Package eventbus is the publish/subscribe seam between an engine host and
// the connections that consume its output. Channels are plain strings such
// as "codex-output:<session id>"; payloads are raw JSON.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bazelment/yoloswe/enginestream/asyncqueue"
)

var (
	// ErrClosed is returned when subscribing to or publishing on a closed bus.
	ErrClosed = errors.New("event bus closed")

	// ErrBacklog terminates a Tail whose reader fell too far behind.
	ErrBacklog = errors.New("event tail backlog limit reached")
)

// Handler receives one payload. Handlers for a channel run synchronously in
// publish order.
type Handler func(payload json.RawMessage)

// Unsubscribe detaches a handler. Calling it more than once is harmless.
type Unsubscribe func()

// Bus is what connections consume.
type Bus interface {
	Subscribe(channel string, h Handler) (Unsubscribe, error)
}

// Publisher is implemented by buses that accept local publishes.
type Publisher interface {
	Publish(channel string, payload json.RawMessage) error
}

// Event is one published payload together with its channel.
type Event struct {
	Channel string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type subscriber struct {
	handler Handler
	id      int
}

// Local is an in-process bus. It fans each publish out to every handler of
// the channel, in subscription order.
type Local struct {
	logger   *slog.Logger
	channels map[string][]subscriber
	streams  map[int]sink
	mu       sync.RWMutex
	nextID   int
	closed   bool
}

// LocalOption configures a Local bus.
type LocalOption func(*Local)

// WithLogger sets the logger used for dropped events and handler panics.
func WithLogger(l *slog.Logger) LocalOption {
	return func(b *Local) { b.logger = l }
}

// NewLocal creates an empty in-process bus.
func NewLocal(opts ...LocalOption) *Local {
	b := &Local{
		logger:   slog.Default(),
		channels: make(map[string][]subscriber),
		streams:  make(map[int]sink),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches h to channel.
func (b *Local) Subscribe(channel string, h Handler) (Unsubscribe, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", channel)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id := b.nextID
	b.nextID++
	b.channels[channel] = append(b.channels[channel], subscriber{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(channel, id) })
	}, nil
}

func (b *Local) remove(channel string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.channels[channel]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.channels, channel)
	} else {
		b.channels[channel] = subs
	}
}

// Subscribers returns the number of handlers attached to channel.
func (b *Local) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Publish delivers payload to every handler of channel and to every stream.
func (b *Local) Publish(channel string, payload json.RawMessage) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]subscriber(nil), b.channels[channel]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(channel, s, payload)
	}
	b.broadcast(Event{Channel: channel, Payload: payload})
	return nil
}

// PublishJSON marshals v and publishes it.
func (b *Local) PublishJSON(channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload for %q: %w", channel, err)
	}
	return b.Publish(channel, data)
}

func (b *Local) dispatch(channel string, s subscriber, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "channel", channel, "subscriber", s.id, "panic", r)
		}
	}()
	s.handler(payload)
}

// sink receives every event published on the bus, whatever its channel.
type sink interface {
	deliver(ev Event)
	close()
}

// chanSink is a bounded channel that drops its oldest event when full.
type chanSink struct {
	ch     chan Event
	logger *slog.Logger
	id     int
}

func (s *chanSink) deliver(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		s.logger.Warn("event stream full, dropping oldest event", "stream", s.id)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.logger.Warn("event stream could not deliver event", "stream", s.id, "channel", ev.Channel)
	}
}

func (s *chanSink) close() { close(s.ch) }

// queueSink never drops. Once more than limit events are waiting the queue
// is failed with ErrBacklog and later events are ignored.
type queueSink struct {
	q     *asyncqueue.Queue[Event]
	limit int
}

func (s *queueSink) deliver(ev Event) {
	if s.q.Closed() {
		return
	}
	if s.limit > 0 && s.q.Len() >= s.limit {
		s.q.Fail(ErrBacklog)
		return
	}
	s.q.Enqueue(ev)
}

func (s *queueSink) close() { s.q.Done() }

func (b *Local) attach(mk func(id int) sink) (sink, Unsubscribe) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sk := mk(id)
	if b.closed {
		sk.close()
		return sk, func() {}
	}
	b.streams[id] = sk

	return sk, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.streams[id]; ok {
			delete(b.streams, id)
			c.close()
		}
	}
}

// Stream returns a buffered channel that receives every event published on
// the bus, whatever its channel. If the reader falls behind, the oldest
// event is dropped. The channel is closed by the returned Unsubscribe or
// when the bus closes.
func (b *Local) Stream(bufSize int) (<-chan Event, Unsubscribe) {
	sk, unsubscribe := b.attach(func(id int) sink {
		return &chanSink{ch: make(chan Event, bufSize), logger: b.logger, id: id}
	})
	return sk.(*chanSink).ch, unsubscribe
}

// Tail returns a queue that receives every event published on the bus, in
// publish order and without loss. The queue finishes when the bus closes.
// With limit > 0, a reader that lets more than limit events pile up gets
// ErrBacklog instead of the rest of the stream. Return detaches the queue.
func (b *Local) Tail(limit int) *asyncqueue.Queue[Event] {
	var unsubscribe Unsubscribe
	q := asyncqueue.New[Event](
		asyncqueue.WithLogger(b.logger),
		asyncqueue.WithCleanup(func() { unsubscribe() }),
	)
	_, unsubscribe = b.attach(func(int) sink { return &queueSink{q: q, limit: limit} })
	return q
}

func (b *Local) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sk := range b.streams {
		sk.deliver(ev)
	}
}

// Run publishes every event read from source. It blocks until source is
// closed or ctx is cancelled, then closes the bus.
func (b *Local) Run(ctx context.Context, source <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			b.Close()
			return
		case ev, ok := <-source:
			if !ok {
				b.Close()
				return
			}
			if err := b.Publish(ev.Channel, ev.Payload); err != nil {
				b.logger.Debug("dropping event", "channel", ev.Channel, "error", err)
			}
		}
	}
}

// Close detaches every handler and closes every stream.
func (b *Local) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.channels = make(map[string][]subscriber)
	for id, sk := range b.streams {
		sk.close()
		delete(b.streams, id)
	}
}

var (
	_ Bus       = (*Local)(nil)
	_ Publisher = (*Local)(nil)
)
