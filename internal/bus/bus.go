// Package bus is an in-process publish/subscribe bus keyed by event type.
//
// Each subscriber owns an unbounded mailbox drained by its own goroutine, so
// Emit never blocks and a handler may emit further events without
// deadlocking. Order is preserved per subscriber.
package bus

import (
	"sync"
	"weak"
)

// Bus routes events to subscribers by dynamic type.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool
}

type subscriber struct {
	accept func(any) bool
	box    *mailbox
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Emit queues e for every subscriber interested in its type.
func (b *Bus) Emit(e any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.accept(e) {
			s.box.push(e)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscription. Later emits are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.box.stop()
	}
}

func (b *Bus) add(accept func(any) bool, deliver deliverFunc, onExit func()) (uint64, bool) {
	box := newMailbox()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if onExit != nil {
			onExit()
		}
		return 0, false
	}
	b.next++
	id := b.next
	b.subs[id] = &subscriber{accept: accept, box: box}
	b.mu.Unlock()

	go func() {
		if onExit != nil {
			defer onExit()
		}
		if !box.run(deliver) {
			b.remove(id)
		}
	}()
	return id, true
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		s.box.stop()
	}
}

func accepts[E any](v any) bool {
	_, ok := v.(E)
	return ok
}

// Subscription receives events of type E on C until closed.
type Subscription[E any] struct {
	C <-chan E

	b    *Bus
	id   uint64
	done chan struct{}
	once sync.Once
}

// Subscribe returns a channel subscription for events of type E.
func Subscribe[E any](b *Bus) *Subscription[E] {
	ch := make(chan E)
	done := make(chan struct{})
	deliver := func(v any, stop <-chan struct{}) bool {
		select {
		case ch <- v.(E):
			return true
		case <-stop:
			return true
		case <-done:
			return false
		}
	}
	id, _ := b.add(accepts[E], deliver, func() { close(ch) })
	return &Subscription[E]{C: ch, b: b, id: id, done: done}
}

// Close stops delivery and closes C.
func (s *Subscription[E]) Close() {
	s.once.Do(func() {
		close(s.done)
		s.b.remove(s.id)
	})
}

// Watch calls fn with owner for every event of type E. The bus holds owner
// weakly: once owner is garbage collected the subscription is dropped at the
// next delivery. The returned func cancels the subscription.
func Watch[T, E any](b *Bus, owner *T, fn func(*T, E)) (cancel func()) {
	wp := weak.Make(owner)
	deliver := func(v any, _ <-chan struct{}) bool {
		o := wp.Value()
		if o == nil {
			return false
		}
		fn(o, v.(E))
		return true
	}
	id, _ := b.add(accepts[E], deliver, nil)
	return func() { b.remove(id) }
}
