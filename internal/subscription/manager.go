// Package subscription shares store subscriptions between consumers.
//
// The Manager opens at most one store subscription per distinct query
// descriptor, however many listeners ask for it, and closes it when the
// last listener leaves. Store callbacks only enqueue; every listener call
// happens on the goroutine running Run, one delivery at a time, in the
// order the store produced them.
package subscription

import (
	"context"
	"errors"
	"sync"

	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("subscription: manager closed")

// Update is one notification for a descriptor: a snapshot, or the error
// that ended the store subscription.
type Update struct {
	Snapshot store.Snapshot
	Err      error
}

type Listener func(Update)

type entry struct {
	key       string
	desc      query.Descriptor
	listeners []*Handle
	remote    store.Subscription
	last      *Update
	closed    bool
}

func (e *entry) failed() bool {
	return e.last != nil && e.last.Err != nil
}

type delivery struct {
	entry   *entry
	update  Update
	targets []*Handle
}

type Manager struct {
	store store.Store
	log   *logrus.Entry

	mu          sync.Mutex
	entries     map[string]*entry
	queue       []delivery
	deferred    []func()
	dispatching bool
	closed      bool
	wake        chan struct{}
}

type Option func(*Manager)

func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = log }
}

func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   s,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe attaches fn to the subscription for d, opening it if needed.
// If the subscription already has a state, fn receives it first.
//
// A failure to open the store subscription is delivered to fn as an
// Update with Err set; the returned error only reports an invalid
// descriptor or a closed manager.
func (m *Manager) Subscribe(ctx context.Context, d query.Descriptor, fn Listener) (*Handle, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	h := &Handle{m: m, key: d.Key(), desc: d, fn: fn}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.dispatching {
		m.deferred = append(m.deferred, func() { m.attach(ctx, h) })
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	m.attach(ctx, h)
	return h, nil
}

// Unsubscribe detaches h. The last listener of a descriptor closes its
// store subscription. Calling it again has no effect.
func (m *Manager) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}

	m.mu.Lock()
	if m.dispatching {
		m.deferred = append(m.deferred, func() { m.detach(h) })
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.detach(h)
}

func (m *Manager) attach(ctx context.Context, h *Handle) {
	m.mu.Lock()
	if m.closed || h.released {
		m.mu.Unlock()
		return
	}

	if e, ok := m.entries[h.key]; ok {
		e.listeners = append(e.listeners, h)
		h.attached = true
		if e.last != nil {
			m.enqueue(delivery{entry: e, update: *e.last, targets: []*Handle{h}})
		}
		m.mu.Unlock()
		return
	}

	e := &entry{key: h.key, desc: h.desc, listeners: []*Handle{h}}
	m.entries[h.key] = e
	h.attached = true
	m.mu.Unlock()

	remote, err := m.store.Subscribe(ctx, e.desc, func(snap store.Snapshot, err error) {
		m.publish(e, Update{Snapshot: snap, Err: err})
	})

	m.mu.Lock()
	if err != nil {
		m.mu.Unlock()
		m.log.WithError(err).WithField("query", e.key).Warn("store subscription failed to open")
		m.publish(e, Update{Err: err})
		return
	}
	if e.closed {
		m.mu.Unlock()
		remote.Close()
		return
	}
	e.remote = remote
	m.mu.Unlock()
}

func (m *Manager) detach(h *Handle) {
	m.mu.Lock()
	if h.released {
		m.mu.Unlock()
		return
	}
	h.released = true
	if !h.attached {
		m.mu.Unlock()
		return
	}
	h.attached = false

	e, ok := m.entries[h.key]
	if !ok {
		m.mu.Unlock()
		return
	}
	for i, l := range e.listeners {
		if l == h {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			break
		}
	}
	if len(e.listeners) > 0 {
		m.mu.Unlock()
		return
	}

	delete(m.entries, e.key)
	e.closed = true
	remote := e.remote
	e.remote = nil
	m.mu.Unlock()

	if remote != nil {
		remote.Close()
	}
}

// publish records u as the latest state of e and queues it for every
// listener currently attached. It is the store callback, so it must not
// block.
func (m *Manager) publish(e *entry, u Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.closed || m.closed {
		return
	}
	if e.failed() {
		return
	}
	e.last = &u
	if u.Err != nil {
		m.log.WithError(u.Err).WithField("query", e.key).Warn("store subscription failed")
	}
	m.enqueue(delivery{entry: e, update: u, targets: append([]*Handle(nil), e.listeners...)})
}

// enqueue must be called with m.mu held.
func (m *Manager) enqueue(d delivery) {
	m.queue = append(m.queue, d)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run dispatches deliveries until ctx is done, then closes every store
// subscription. Listeners are called from this goroutine only.
func (m *Manager) Run(ctx context.Context) {
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.drain(ctx)
		}
	}
}

func (m *Manager) drain(ctx context.Context) {
	for ctx.Err() == nil {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		d := m.queue[0]
		m.queue[0] = delivery{}
		m.queue = m.queue[1:]

		targets := d.targets[:0:0]
		for _, h := range d.targets {
			if h.attached {
				targets = append(targets, h)
			}
		}
		m.dispatching = true
		m.mu.Unlock()

		for _, h := range targets {
			m.deliver(h, d.update)
		}

		m.mu.Lock()
		m.dispatching = false
		deferred := m.deferred
		m.deferred = nil
		m.mu.Unlock()

		for _, op := range deferred {
			op()
		}
	}
}

func (m *Manager) deliver(h *Handle, u Update) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("query", h.key).Errorf("listener panicked: %v", r)
		}
	}()
	h.fn(u)
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	m.closed = true
	remotes := make([]store.Subscription, 0, len(m.entries))
	for key, e := range m.entries {
		e.closed = true
		if e.remote != nil {
			remotes = append(remotes, e.remote)
		}
		for _, h := range e.listeners {
			h.attached = false
			h.released = true
		}
		delete(m.entries, key)
	}
	m.queue = nil
	m.deferred = nil
	m.mu.Unlock()

	for _, r := range remotes {
		r.Close()
	}
}

type Stats struct {
	// Remote is the number of distinct descriptors with a store
	// subscription open or opening.
	Remote int
	// Listeners is the number of attached listeners over all descriptors.
	Listeners int
	// Failed counts descriptors whose subscription ended with an error and
	// still have listeners.
	Failed int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, e := range m.entries {
		if e.failed() {
			s.Failed++
		} else {
			s.Remote++
		}
		s.Listeners += len(e.listeners)
	}
	return s
}
