package agent

import (
	"context"
	"sync"
)

// Observable holds a value and notifies interested parties when it changes.
// Listeners are called synchronously after each change, outside the lock.
// Watchers get a channel that always holds the latest value; a slow watcher
// skips intermediate values but never misses the final one.
type Observable[T comparable] struct {
	mu        sync.Mutex
	value     T
	nextID    int
	listeners map[int]func(T)
	watchers  map[chan T]struct{}
}

// NewObservable creates an observable holding initial.
func NewObservable[T comparable](initial T) *Observable[T] {
	return &Observable[T]{
		value:     initial,
		listeners: make(map[int]func(T)),
		watchers:  make(map[chan T]struct{}),
	}
}

// Get returns the current value.
func (o *Observable[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// Set stores v and notifies if it differs from the current value.
func (o *Observable[T]) Set(v T) {
	o.Update(func(T) (T, bool) { return v, true })
}

// Update applies fn to the current value atomically. fn returns the new value
// and whether to store it. Update reports the resulting value and whether it
// changed.
func (o *Observable[T]) Update(fn func(current T) (T, bool)) (T, bool) {
	o.mu.Lock()
	next, ok := fn(o.value)
	if !ok || next == o.value {
		cur := o.value
		o.mu.Unlock()
		return cur, false
	}
	o.value = next
	for ch := range o.watchers {
		offerLatest(ch, next)
	}
	listeners := make([]func(T), 0, len(o.listeners))
	for _, fn := range o.listeners {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()

	for _, listener := range listeners {
		listener(next)
	}
	return next, true
}

// Subscribe registers fn for future changes and returns a function that
// removes it.
func (o *Observable[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// Watch returns a channel that receives the current value immediately and
// then every change. It is closed when ctx is done.
func (o *Observable[T]) Watch(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	o.mu.Lock()
	ch <- o.value
	o.watchers[ch] = struct{}{}
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		delete(o.watchers, ch)
		close(ch)
		o.mu.Unlock()
	}()
	return ch
}

// offerLatest replaces any unread value in ch with v. Callers hold the lock,
// so they are the only sender.
func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
