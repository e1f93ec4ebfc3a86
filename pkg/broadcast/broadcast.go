// Package broadcast fans events out to subscribers, each served by its own
// goroutine. Delivery is asynchronous relative to the publisher but ordered
// per subscriber.
package broadcast

import "sync"

const subscriberBuffer = 64

type Broadcaster[T any] struct {
	mu        sync.RWMutex
	subs      map[*Subscription[T]]struct{}
	publishMu sync.Mutex
}

// Subscription is returned by Subscribe.
type Subscription[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
	b    *Broadcaster[T]
}

func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers fn. fn is never called concurrently with itself.
func (b *Broadcaster[T]) Subscribe(fn func(T)) *Subscription[T] {
	s := &Subscription[T]{
		ch:   make(chan T, subscriberBuffer),
		done: make(chan struct{}),
		b:    b,
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-s.ch:
				fn(ev)
			case <-s.done:
				return
			}
		}
	}()
	return s
}

// Publish enqueues ev for every current subscriber. Publishes are
// serialized so all subscribers observe the same order.
func (b *Broadcaster[T]) Publish(ev T) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	subs := make([]*Subscription[T], 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Unsubscribe stops delivery. Events still queued are dropped. Safe to call
// more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.done)
	})
}
