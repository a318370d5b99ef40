// Package dispatch maps event kinds to a single active handler.
//
// Events of one kind are delivered in publish order and never overlap: the
// next one waits for the previous handler call to return. Different kinds are
// delivered on independent goroutines. Publish never blocks on a handler.
package dispatch

import (
	"fmt"
	"sync"

	"glasslink/log"
)

type handler[E any] struct {
	id uint64
	fn func(E)
}

type queue[E any] struct {
	items   []E
	running bool
}

type Registry[K comparable, E any] struct {
	mu       sync.Mutex
	handlers map[K]handler[E]
	queues   map[K]*queue[E]
	nextID   uint64
	closed   bool
	draining int
	idle     *sync.Cond
}

func New[K comparable, E any]() *Registry[K, E] {
	r := &Registry[K, E]{
		handlers: make(map[K]handler[E]),
		queues:   make(map[K]*queue[E]),
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// Subscription identifies one registration. Cancel is a no-op once a later
// Subscribe for the same kind has replaced it.
type Subscription struct {
	cancel func()
}

func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Subscribe registers fn for kind, replacing any previous handler.
func (r *Registry[K, E]) Subscribe(kind K, fn func(E)) Subscription {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[kind] = handler[E]{id: id, fn: fn}
	r.mu.Unlock()

	return Subscription{cancel: func() {
		r.mu.Lock()
		if h, ok := r.handlers[kind]; ok && h.id == id {
			delete(r.handlers, kind)
		}
		r.mu.Unlock()
	}}
}

// Unsubscribe removes whatever handler is registered for kind.
func (r *Registry[K, E]) Unsubscribe(kind K) {
	r.mu.Lock()
	delete(r.handlers, kind)
	r.mu.Unlock()
}

func (r *Registry[K, E]) Has(kind K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[kind]
	return ok
}

// Publish queues ev for delivery. The handler is resolved at delivery time,
// so an event whose kind has no handler by then is dropped.
func (r *Registry[K, E]) Publish(kind K, ev E) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	q := r.queues[kind]
	if q == nil {
		q = &queue[E]{}
		r.queues[kind] = q
	}
	q.items = append(q.items, ev)
	if !q.running {
		q.running = true
		r.draining++
		go r.drain(kind, q)
	}
}

func (r *Registry[K, E]) drain(kind K, q *queue[E]) {
	for {
		r.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			r.draining--
			if r.draining == 0 {
				r.idle.Broadcast()
			}
			r.mu.Unlock()
			return
		}
		var zero E
		ev := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		h, ok := r.handlers[kind]
		r.mu.Unlock()

		if ok {
			r.call(kind, h.fn, ev)
		}
	}
}

func (r *Registry[K, E]) call(kind K, fn func(E), ev E) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("handler for %v panicked: %v", kind, p)
		}
	}()
	fn(ev)
}

// Wait blocks until every queued event has been delivered.
func (r *Registry[K, E]) Wait() {
	r.mu.Lock()
	for r.draining > 0 {
		r.idle.Wait()
	}
	r.mu.Unlock()
}

// Close drops future publishes and waits for queued deliveries to finish.
func (r *Registry[K, E]) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Wait()
}

func (r *Registry[K, E]) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("dispatch.Registry{handlers: %d}", len(r.handlers))
}
