// Package hub fans document changes out to the store subscriptions that
// watch the changed resource.
package hub

import (
	"context"
	"sync"
	"time"
)

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

type Change struct {
	Resource string
	ID       string
	Kind     ChangeKind
	At       time.Time
}

// Watcher receives changes for the resources it lists. Send is used as a
// dirty signal: when its buffer is full the change is dropped, because the
// pending signal already makes the watcher re-read.
type Watcher struct {
	ID        string
	Resources map[string]bool
	Send      chan Change
}

type Hub struct {
	watchers   map[string]*Watcher
	register   chan *Watcher
	unregister chan *Watcher
	broadcast  chan Change
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		watchers:   make(map[string]*Watcher),
		register:   make(chan *Watcher),
		unregister: make(chan *Watcher),
		broadcast:  make(chan Change, 256),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			return

		case w := <-h.register:
			h.mu.Lock()
			h.watchers[w.ID] = w
			h.mu.Unlock()

		case w := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.watchers[w.ID]; ok {
				delete(h.watchers, w.ID)
				close(w.Send)
			}
			h.mu.Unlock()

		case change := <-h.broadcast:
			h.mu.RLock()
			for _, w := range h.watchers {
				if w.Resources[change.Resource] {
					select {
					case w.Send <- change:
					default:
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, w := range h.watchers {
			delete(h.watchers, id)
			close(w.Send)
		}
		h.mu.Unlock()
	})
}

// Register adds w. It returns false if the hub has stopped.
func (h *Hub) Register(w *Watcher) bool {
	select {
	case h.register <- w:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(w *Watcher) {
	select {
	case h.unregister <- w:
	case <-h.done:
	}
}

func (h *Hub) Publish(change Change) {
	if change.At.IsZero() {
		change.At = time.Now()
	}
	select {
	case h.broadcast <- change:
	case <-h.done:
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) WatcherCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}
