// Package events provides a typed, synchronous publish/subscribe bus.
// Each manager owns a Bus with its own concrete event type so event
// names and payloads are checked at compile time.
package events

import "sync"

// Bus delivers published values to every subscriber, in subscription
// order, on the publishing goroutine. Safe for concurrent use.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (b *Bus[T]) Subscribe(fn func(T)) (cancel func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Publish delivers v to all current subscribers. The subscriber list is
// snapshotted first, so subscribers may subscribe or cancel from within
// their callback.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

func (b *Bus[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}
