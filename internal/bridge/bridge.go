// Package bridge hands events from provider callback goroutines into a
// single per-bridge consumer goroutine.
//
// Recognition and synthesis backends invoke their callbacks on their own network
// goroutines. Session logic must not run there, so each engine gets a Bridge:
// the callback calls Submit, which enqueues without blocking, and one
// dedicated consumer goroutine drains the queue strictly in arrival order and
// calls the handler. The handler therefore observes every event serially, on
// one goroutine, in the order the engine emitted them.
package bridge

import "sync"

// DefaultCapacity bounds a bridge queue when no explicit capacity is given.
const DefaultCapacity = 1024

// Handler consumes one event. Returning false stops the consumer; the
// sentinel "closed" event of an engine is the usual trigger.
type Handler[E any] func(ev E) bool

// Bridge is a thread-safe FIFO hand-off from callback goroutines to a single
// consumer goroutine running the handler.
type Bridge[E any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue    []E
	capacity int
	dropped  uint64
	closed   bool

	done chan struct{}
}

// Option is a functional option for configuring a Bridge.
type Option func(*options)

type options struct {
	capacity int
}

// WithCapacity bounds the queue to n events. When full, the oldest queued
// event is dropped to admit the new one so the callback never blocks.
// n <= 0 leaves the default in place.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// New creates a bridge and starts its consumer goroutine. handler must not
// be nil. The consumer runs until handler returns false or Close is called,
// whichever comes first; Wait blocks until then.
func New[E any](handler Handler[E], opts ...Option) *Bridge[E] {
	if handler == nil {
		panic("bridge: handler must not be nil")
	}
	o := &options{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(o)
	}

	b := &Bridge[E]{
		capacity: o.capacity,
		done:     make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)

	go b.consume(handler)
	return b
}

// Submit enqueues an event from any goroutine without blocking. If the queue
// is full the oldest queued event is dropped. After Close, Submit is a no-op.
func (b *Bridge[E]) Submit(ev E) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.queue) >= b.capacity {
		// Drop the oldest so Submit never blocks the callback.
		b.queue = b.queue[1:]
		b.dropped++
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	b.cond.Signal()
}

// Dropped reports how many events were discarded due to queue overflow.
func (b *Bridge[E]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops the consumer and discards any queued events. Idempotent and
// safe from any goroutine, including the handler itself.
func (b *Bridge[E]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.queue = nil
	b.mu.Unlock()
	b.cond.Signal()
}

// Wait blocks until the consumer goroutine has exited.
func (b *Bridge[E]) Wait() {
	<-b.done
}

// consume is the single consumer loop. Events are handled strictly in
// arrival order.
func (b *Bridge[E]) consume(handler Handler[E]) {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		if !handler(ev) {
			// Mark closed so Submit becomes a no-op and Close stays
			// idempotent.
			b.Close()
			return
		}
	}
}
