package collab

import "sync"

// observers is a typed subscriber list. Subscribe returns a disposer so
// multiple consumers can attach without overwriting each other.
type observers[T any] struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(T)
}

func (o *observers[T]) subscribe(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// emit invokes subscribers synchronously, preserving the wire-arrival
// ordering guarantee of the dispatcher.
func (o *observers[T]) emit(v T) {
	o.mu.RLock()
	fns := make([]func(T), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}
