// Package event provides typed publish/subscribe with owned subscription handles.
package event

import "sync"

// Source is the subscribe side of an Event.
type Source[T any] interface {
	Subscribe(fn func(T)) *Subscription
}

// Event fans a value out to its subscribers. The zero value is ready to use.
// Handlers run synchronously in the emitting goroutine, outside the lock,
// in subscription order.
type Event[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []handler[T]
}

type handler[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a handle that removes it.
func (e *Event[T]) Subscribe(fn func(T)) *Subscription {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, handler[T]{id: id, fn: fn})
	e.mu.Unlock()

	return &Subscription{cancel: func() { e.remove(id) }}
}

func (e *Event[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers v to a snapshot of the current subscribers.
func (e *Event[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]func(T), len(e.handlers))
	for i, h := range e.handlers {
		snapshot[i] = h.fn
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of subscribers.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// Subscription is an owned handle to one registered handler.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. Safe to call more than once and on nil.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Group holds subscriptions that are torn down together.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add appends subscriptions to the group.
func (g *Group) Add(subs ...*Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, subs...)
}

// Reset unsubscribes everything in the group.
func (g *Group) Reset() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}
