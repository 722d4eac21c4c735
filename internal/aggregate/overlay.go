package aggregate

import (
	"sync"
	"time"
)

// Overlay holds optimistic changes that are shown before the store
// confirms them. An upsert stays until an input carries the id with an
// update time at or after the commit time; a delete stays while any input
// still carries the id. Revert drops an entry at once.
type Overlay[T any] struct {
	mu       sync.Mutex
	entries  map[string]*Entry[T]
	watchers map[int]func()
	nextID   int
}

type Entry[T any] struct {
	o  *Overlay[T]
	id string

	// guarded by o.mu
	item      T
	deleted   bool
	committed bool
	at        time.Time
}

func NewOverlay[T any]() *Overlay[T] {
	return &Overlay[T]{
		entries:  make(map[string]*Entry[T]),
		watchers: make(map[int]func()),
	}
}

// Upsert shows item under id until the store catches up.
func (o *Overlay[T]) Upsert(id string, item T) *Entry[T] {
	return o.stage(&Entry[T]{o: o, id: id, item: item})
}

// Delete hides id until the store catches up.
func (o *Overlay[T]) Delete(id string) *Entry[T] {
	return o.stage(&Entry[T]{o: o, id: id, deleted: true})
}

func (o *Overlay[T]) stage(e *Entry[T]) *Entry[T] {
	o.mu.Lock()
	o.entries[e.id] = e
	o.mu.Unlock()

	o.notify()
	return e
}

func (o *Overlay[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Commit records the time the store acknowledged the change. It has no
// effect if a newer change for the same id was staged since.
func (e *Entry[T]) Commit(at time.Time) {
	e.o.mu.Lock()
	if e.o.entries[e.id] != e {
		e.o.mu.Unlock()
		return
	}
	e.committed = true
	e.at = at
	e.o.mu.Unlock()

	e.o.notify()
}

// Revert removes the entry. It has no effect if a newer change for the
// same id was staged since.
func (e *Entry[T]) Revert() {
	e.o.mu.Lock()
	if e.o.entries[e.id] != e {
		e.o.mu.Unlock()
		return
	}
	delete(e.o.entries, e.id)
	e.o.mu.Unlock()

	e.o.notify()
}

type applied[T any] struct {
	item    T
	deleted bool
}

// apply returns the entries to lay over the merged items and prunes the
// ones the store has caught up with. present maps the merged ids to their
// update times.
func (o *Overlay[T]) apply(present map[string]time.Time) map[string]applied[T] {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]applied[T], len(o.entries))
	for id, e := range o.entries {
		at, ok := present[id]
		if e.deleted {
			if !ok {
				delete(o.entries, id)
				continue
			}
		} else if e.committed && ok && !at.Before(e.at) {
			delete(o.entries, id)
			continue
		}
		out[id] = applied[T]{item: e.item, deleted: e.deleted}
	}
	return out
}

func (o *Overlay[T]) watch(fn func()) (cancel func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.watchers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.watchers, id)
		o.mu.Unlock()
	}
}

func (o *Overlay[T]) notify() {
	o.mu.Lock()
	fns := make([]func(), 0, len(o.watchers))
	for _, fn := range o.watchers {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
