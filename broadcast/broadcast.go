// Package broadcast fans a stream of values out to independent subscribers.
//
// Publishing never blocks. Each subscriber owns a bounded buffer; a subscriber
// that falls behind far enough to fill it is dropped from its own
// subscription (its channel is closed and Err reports ErrSlowConsumer) while
// every other subscriber and the producer carry on. A subscriber therefore
// sees either every value published after it joined, in publish order, or a
// prefix of them followed by a closed channel. It never sees a gap.
//
// The one exception is a blocking subscriber, meant for the single owner of
// a stream: it is never dropped and Publish waits for room in its buffer.
package broadcast

import (
	"sync"
)

// DefaultBuffer is used when Subscribe is called with a non-positive buffer.
const DefaultBuffer = 256

// Broadcaster delivers every published value to each current subscriber.
// It is safe for concurrent use.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// New creates an empty broadcaster.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		subs: make(map[*Subscription[T]]struct{}),
	}
}

// Subscribe registers a subscriber with the given channel buffer. A late
// subscriber only sees values published after it joined. Subscribing to a
// closed broadcaster returns an already-closed subscription.
func (b *Broadcaster[T]) Subscribe(buffer int) *Subscription[T] {
	return b.subscribe(buffer, false)
}

// SubscribeBlocking registers a subscriber that is never dropped: Publish
// waits until its buffer has room. The subscriber must drain C until it
// closes and must not call back into the broadcaster while Publish waits.
func (b *Broadcaster[T]) SubscribeBlocking(buffer int) *Subscription[T] {
	return b.subscribe(buffer, true)
}

func (b *Broadcaster[T]) subscribe(buffer int, blocking bool) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription[T]{
		ch:       make(chan T, buffer),
		owner:    b,
		blocking: blocking,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.finish(ErrClosed)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every subscriber. Subscribers whose buffer is full
// are dropped, except blocking ones, which Publish waits for.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.blocking {
			s.ch <- v
			continue
		}
		select {
		case s.ch <- v:
		default:
			delete(b.subs, s)
			s.finish(ErrSlowConsumer)
		}
	}
}

// Close ends every subscription. Values already buffered stay readable;
// the channels close after them. Close is idempotent.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.finish(ErrClosed)
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Closed reports whether Close has been called.
func (b *Broadcaster[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	s.finish(nil)
}

// Subscription is one subscriber's view of a Broadcaster.
type Subscription[T any] struct {
	ch    chan T
	owner *Broadcaster[T]

	blocking bool

	// err and done are written under the owner's lock.
	err  error
	done bool
}

// C returns the channel values are delivered on. It is closed when the
// subscription ends for any reason.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe stops delivery and closes the channel. Idempotent.
func (s *Subscription[T]) Unsubscribe() {
	s.owner.remove(s)
}

// Err reports why the subscription ended: nil while live or after
// Unsubscribe, ErrSlowConsumer if it was dropped, ErrClosed if the
// broadcaster was closed.
func (s *Subscription[T]) Err() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.err
}

// finish must be called with the owner's lock held.
func (s *Subscription[T]) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.ch)
}
