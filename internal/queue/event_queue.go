// Package queue provides the hand-off buffers between local MIDI sources and
// the BLE bridges.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/packet"
)

// DefaultCapacity is the number of events buffered before Send blocks.
const DefaultCapacity = 1

var (
	// ErrQueueClosed is returned by Send once Close has been called.
	ErrQueueClosed = errors.New("event queue closed")

	// ErrConcurrentReceive is returned when a second consumer calls Receive
	// while another Receive is still pending.
	ErrConcurrentReceive = errors.New("event queue already has an active receiver")
)

// EventQueue is a bounded FIFO of raw MIDI events with one consumer and any
// number of producers. Producers block while the queue is full; this is the
// only backpressure between a source and the BLE link.
//
// After Close, Receive keeps returning buffered events until the queue is
// drained and then fails with blemidi.ErrSourceClosed.
type EventQueue struct {
	ch        chan packet.RawEvent
	done      chan struct{}
	closeOnce sync.Once
	receiving atomic.Bool
	metrics   QueueMetrics
}

// QueueMetrics is a snapshot of EventQueue counters.
type QueueMetrics struct {
	Sent          int64 // events accepted by Send
	Received      int64 // events handed to the consumer
	BlockedSends  int64 // Send calls that found the queue full
	RejectedSends int64 // Send calls refused because the queue was closed
}

// NewEventQueue creates a queue holding up to capacity events.
// A non-positive capacity selects DefaultCapacity.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &EventQueue{
		ch:   make(chan packet.RawEvent, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues ev, blocking while the queue is full.
// It fails with ErrQueueClosed after Close, or with ctx.Err() if ctx ends first.
func (q *EventQueue) Send(ctx context.Context, ev packet.RawEvent) error {
	select {
	case <-q.done:
		atomic.AddInt64(&q.metrics.RejectedSends, 1)
		return ErrQueueClosed
	default:
	}

	// fast path
	select {
	case q.ch <- ev:
		atomic.AddInt64(&q.metrics.Sent, 1)
		return nil
	default:
	}

	atomic.AddInt64(&q.metrics.BlockedSends, 1)
	select {
	case q.ch <- ev:
		atomic.AddInt64(&q.metrics.Sent, 1)
		return nil
	case <-q.done:
		atomic.AddInt64(&q.metrics.RejectedSends, 1)
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the oldest buffered event, suspending until one is available.
// Once the queue is closed and drained it returns blemidi.ErrSourceClosed.
// Only one Receive may be in flight at a time.
func (q *EventQueue) Receive(ctx context.Context) (packet.RawEvent, error) {
	if !q.receiving.CompareAndSwap(false, true) {
		return nil, ErrConcurrentReceive
	}
	defer q.receiving.Store(false)

	select {
	case ev := <-q.ch:
		atomic.AddInt64(&q.metrics.Received, 1)
		return ev, nil
	case <-q.done:
		return q.drain()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *EventQueue) drain() (packet.RawEvent, error) {
	select {
	case ev := <-q.ch:
		atomic.AddInt64(&q.metrics.Received, 1)
		return ev, nil
	default:
		return nil, blemidi.ErrSourceClosed
	}
}

// Close marks the queue as closed. It is safe to call more than once.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Closed reports whether Close has been called.
func (q *EventQueue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered events.
func (q *EventQueue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *EventQueue) Cap() int {
	return cap(q.ch)
}

// Metrics returns a snapshot of the queue counters.
func (q *EventQueue) Metrics() QueueMetrics {
	return QueueMetrics{
		Sent:          atomic.LoadInt64(&q.metrics.Sent),
		Received:      atomic.LoadInt64(&q.metrics.Received),
		BlockedSends:  atomic.LoadInt64(&q.metrics.BlockedSends),
		RejectedSends: atomic.LoadInt64(&q.metrics.RejectedSends),
	}
}
