// Package viewmodel builds the live views of one connection. Every view
// acquires its store subscriptions through the shared subscription manager,
// merges them with an aggregator and applies the connection's optimistic
// changes on top. Closing the Views releases everything it acquired.
package viewmodel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dimitrije/taskflow-api/internal/aggregate"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/dimitrije/taskflow-api/internal/subscription"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed          = errors.New("viewmodel: views closed")
	ErrIdentityChanged = errors.New("viewmodel: session identity changed")
)

// Views is the set of live views of one connection. It implements
// gateway.Stager, so writes made on behalf of the connection show up in
// its views before the store confirms them.
type Views struct {
	scope *subscription.Scope
	log   *logrus.Entry
	now   func() time.Time

	mu     sync.Mutex
	sess   session.Session
	open   map[int]stageCloser
	nextID int
	closed bool
}

type stageCloser interface {
	stage(resource, id string, doc any) gateway.Staged
	close()
}

type Option func(*Views)

func WithLogger(log *logrus.Entry) Option {
	return func(v *Views) { v.log = log }
}

// WithClock sets the clock used for task statistics.
func WithClock(now func() time.Time) Option {
	return func(v *Views) { v.now = now }
}

func New(m *subscription.Manager, sess session.Session, opts ...Option) *Views {
	v := &Views{
		scope: m.NewScope(),
		log:   logrus.NewEntry(logrus.StandardLogger()),
		now:   time.Now,
		sess:  sess,
		open:  make(map[int]stageCloser),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Views) Session() session.Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sess
}

// UpdateSession takes a refreshed session. A session of another user (or
// none) closes every view, since all of them were derived from the old
// identity, and returns ErrIdentityChanged.
func (v *Views) UpdateSession(next session.Session) error {
	v.mu.Lock()
	same := v.sess.SameIdentity(next) && next.Authenticated()
	if same {
		v.sess = next
	}
	v.mu.Unlock()

	if !same {
		v.Close()
		return ErrIdentityChanged
	}
	return nil
}

// Len returns the number of open views.
func (v *Views) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.open)
}

// Close stops every view and releases its subscriptions.
func (v *Views) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	open := v.open
	v.open = nil
	v.mu.Unlock()

	for _, view := range open {
		view.close()
	}
	v.scope.Close()
}

// Stage lays doc over every open view of resource. A document that no
// longer belongs in a view that shows it is hidden there instead.
func (v *Views) Stage(resource, id string, doc any) gateway.Staged {
	v.mu.Lock()
	views := make([]stageCloser, 0, len(v.open))
	for _, view := range v.open {
		views = append(views, view)
	}
	v.mu.Unlock()

	var all multiStaged
	for _, view := range views {
		if st := view.stage(resource, id, doc); st != nil {
			all = append(all, st)
		}
	}
	if len(all) == 0 {
		return nil
	}
	return all
}

// register adds a view and returns the function that removes it.
func (v *Views) register(view stageCloser) (func(), error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	id := v.nextID
	v.nextID++
	v.open[id] = view

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.open, id)
			v.mu.Unlock()
			view.close()
		})
	}, nil
}

type multiStaged []gateway.Staged

func (m multiStaged) Commit(at time.Time) {
	for _, st := range m {
		st.Commit(at)
	}
}

func (m multiStaged) Revert() {
	for _, st := range m {
		st.Revert()
	}
}

// view is the part shared by every view: an aggregator, its overlay, and
// the subscription handles feeding it.
type view[T any] struct {
	v        *Views
	resource string
	id       func(T) string
	// belongs reports whether an item matches the view's query.
	belongs func(T) bool

	agg     *aggregate.Aggregator[T]
	overlay *aggregate.Overlay[T]

	mu      sync.Mutex
	handles []*subscription.Handle
	stopped bool
}

func newView[T any](v *Views, resource string, cfg aggregate.Config[T], belongs func(T) bool) *view[T] {
	w := &view[T]{
		v:        v,
		resource: resource,
		id:       cfg.ID,
		belongs:  belongs,
		overlay:  aggregate.NewOverlay[T](),
	}
	cfg.Overlay = w.overlay
	w.agg = aggregate.New(cfg)
	return w
}

func (w *view[T]) stage(resource, id string, doc any) gateway.Staged {
	if resource != w.resource {
		return nil
	}
	shown := w.shows(id)
	if doc == nil {
		if !shown {
			return nil
		}
		return w.overlay.Delete(id)
	}
	item, ok := doc.(T)
	if !ok {
		return nil
	}
	if w.belongs(item) {
		return w.overlay.Upsert(id, item)
	}
	if shown {
		return w.overlay.Delete(id)
	}
	return nil
}

func (w *view[T]) shows(id string) bool {
	for _, item := range w.agg.View().Items {
		if w.id(item) == id {
			return true
		}
	}
	return false
}

// follow feeds in from a store subscription.
func (w *view[T]) follow(ctx context.Context, d query.Descriptor, in *aggregate.Input[T]) (*subscription.Handle, error) {
	return w.subscribe(ctx, d, feed(in))
}

func (w *view[T]) subscribe(ctx context.Context, d query.Descriptor, fn subscription.Listener) (*subscription.Handle, error) {
	h, err := w.v.scope.Subscribe(ctx, d, fn)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.v.scope.Release(h)
		return nil, ErrClosed
	}
	w.handles = append(w.handles, h)
	w.mu.Unlock()
	return h, nil
}

// release closes h and forgets it.
func (w *view[T]) release(h *subscription.Handle) {
	w.mu.Lock()
	for i, held := range w.handles {
		if held == h {
			w.handles = append(w.handles[:i], w.handles[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
	w.v.scope.Release(h)
}

func (w *view[T]) close() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	handles := w.handles
	w.handles = nil
	w.mu.Unlock()

	w.agg.Close()
	for _, h := range handles {
		w.v.scope.Release(h)
	}
}

// feed turns subscription updates into input changes.
func feed[T any](in *aggregate.Input[T]) subscription.Listener {
	return func(u subscription.Update) {
		if u.Err != nil {
			in.Fail(u.Err)
			return
		}
		items, err := store.DecodeAll[T](u.Snapshot.Docs)
		if err != nil {
			in.Fail(err)
			return
		}
		in.Set(items)
	}
}
