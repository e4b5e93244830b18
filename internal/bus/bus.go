// Package bus provides the in-process publish/subscribe fabric that carries
// position, P&L, trade, and log events from the engine to client-facing
// sockets.
//
// Delivery model: multi-producer, multi-subscriber. Each subscriber owns a
// buffered channel and a private monotonic sequence counter. Publishing
// never blocks a producer; a subscriber whose buffer is full past the
// high-water mark is dropped and its channel closed, so one slow browser
// cannot stall the execution path.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"copytrader/pkg/types"
)

const defaultBufferSize = 256

// Subscriber receives events on its own buffered channel until it
// unsubscribes or falls too far behind.
type Subscriber struct {
	ch  chan types.Event
	seq uint64
}

// Events returns the subscriber's receive channel. The channel is closed
// when the subscriber is dropped or the bus shuts down.
func (s *Subscriber) Events() <-chan types.Event { return s.ch }

// Bus fans events out to all registered subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscriber]bool
	bufSize  int
	closed   bool
	logger   *slog.Logger
}

// New creates an event bus. bufferSize is the per-subscriber high-water
// mark; zero selects the default.
func New(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		subs:    make(map[*Subscriber]bool),
		bufSize: bufferSize,
		logger:  logger.With("component", "bus"),
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{ch: make(chan types.Event, b.bufSize)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber. Slow subscribers whose
// buffers are full are dropped rather than blocked on.
func (b *Bus) Publish(evtType types.EventType, data interface{}) {
	evt := types.Event{
		Type:      evtType,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		sub.seq++
		evt.Seq = sub.seq
		select {
		case sub.ch <- evt:
		default:
			delete(b.subs, sub)
			close(sub.ch)
			b.logger.Warn("dropping slow subscriber", "buffered", b.bufSize)
		}
	}
}

// Log publishes a log_entry event alongside the structured logger.
func (b *Bus) Log(level, component, message string, ctx map[string]string) {
	b.Publish(types.EventLogEntry, types.LogEntryEvent{
		Level:     level,
		At:        time.Now(),
		Component: component,
		Message:   message,
		Context:   ctx,
	})
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
