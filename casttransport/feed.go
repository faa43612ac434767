package casttransport

import "sync"

// Feed is a typed subscriber list. Emit invokes handlers synchronously in
// subscription order; a panicking handler is isolated so the rest still run.
type Feed[T any] struct {
	mu      sync.Mutex
	next    int
	subs    map[int]func(T)
	order   []int
	onPanic func(recovered any)
}

// NewFeed returns a feed. onPanic, when non-nil, observes handler panics.
func NewFeed[T any](onPanic func(recovered any)) *Feed[T] {
	return &Feed[T]{
		subs:    make(map[int]func(T)),
		onPanic: onPanic,
	}
}

// Subscribe registers fn and returns its unsubscribe function.
func (f *Feed[T]) Subscribe(fn func(T)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.order = append(f.order, id)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; !ok {
			return
		}
		delete(f.subs, id)
		for i, v := range f.order {
			if v == id {
				f.order = append(f.order[:i], f.order[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers v to every current subscriber.
func (f *Feed[T]) Emit(v T) {
	f.mu.Lock()
	fns := make([]func(T), 0, len(f.subs))
	for _, id := range f.order {
		if fn, ok := f.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range fns {
		f.safeCall(fn, v)
	}
}

func (f *Feed[T]) safeCall(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && f.onPanic != nil {
			f.onPanic(r)
		}
	}()
	fn(v)
}
