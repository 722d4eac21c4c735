// Package aggregate merges several inputs of the same entity type into one
// de-duplicated, sorted view.
//
// Each input is either pending, loaded, or failed. The view stays pending
// while any input has never loaded, so "not loaded yet" is never reported
// as an empty list. Items that appear in more than one input are merged by
// id, keeping the one with the latest update time.
package aggregate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dimitrije/taskflow-api/internal/retry"
)

var ErrDiscarded = errors.New("aggregate: result discarded")

type Status string

const (
	Pending  Status = "pending"
	Ready    Status = "ready"
	Degraded Status = "degraded"
)

// View is the merged state. Items is nil while the view is pending. A
// degraded view carries whatever the healthy inputs hold, plus the last
// items of the failed ones, and the errors by input name.
type View[T any] struct {
	Status Status
	Items  []T
	Errors map[string]error
}

type Order[T any] struct {
	Compare    func(a, b T) int
	Descending bool
}

type Config[T any] struct {
	ID        func(T) string
	UpdatedAt func(T) time.Time
	Order     Order[T]
	// Overlay, when set, is applied on top of the merged inputs.
	Overlay *Overlay[T]
	// OnChange receives every new view. Calls never overlap and never
	// happen with the aggregator's lock held.
	OnChange func(View[T])
	// Retry bounds Load's retries of transient failures.
	Retry retry.Policy
}

type Aggregator[T any] struct {
	cfg Config[T]

	mu      sync.Mutex
	inputs  []*Input[T]
	closed  bool
	version uint64
	unwatch func()

	emitMu  sync.Mutex
	emitted uint64
}

func New[T any](cfg Config[T]) *Aggregator[T] {
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	a := &Aggregator[T]{cfg: cfg}
	if cfg.Overlay != nil {
		a.unwatch = cfg.Overlay.watch(a.recompute)
	}
	return a
}

// Input registers a new input. Inputs registered later win timestamp ties.
func (a *Aggregator[T]) Input(name string) *Input[T] {
	a.mu.Lock()
	defer a.mu.Unlock()

	in := &Input[T]{agg: a, name: name, index: len(a.inputs)}
	a.inputs = append(a.inputs, in)
	return in
}

// View computes the current view without emitting it.
func (a *Aggregator[T]) View() View[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.compute()
}

// Close stops all emissions. Updates arriving afterwards are dropped.
func (a *Aggregator[T]) Close() {
	a.mu.Lock()
	a.closed = true
	unwatch := a.unwatch
	a.unwatch = nil
	a.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
}

// update applies fn to the aggregator state and emits the resulting view.
func (a *Aggregator[T]) update(fn func() bool) {
	a.mu.Lock()
	if a.closed || !fn() {
		a.mu.Unlock()
		return
	}
	a.version++
	version := a.version
	view := a.compute()
	a.mu.Unlock()

	a.emit(version, view)
}

func (a *Aggregator[T]) recompute() {
	a.update(func() bool { return true })
}

func (a *Aggregator[T]) emit(version uint64, view View[T]) {
	if a.cfg.OnChange == nil {
		return
	}
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	// A newer view may already have gone out.
	if version <= a.emitted {
		return
	}
	a.emitted = version
	a.cfg.OnChange(view)
}

// compute must be called with a.mu held.
func (a *Aggregator[T]) compute() View[T] {
	var (
		errs    map[string]error
		pending bool
	)
	for _, in := range a.inputs {
		switch {
		case in.err != nil:
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[in.name] = in.err
		case !in.loaded:
			pending = true
		}
	}

	if errs == nil && (pending || len(a.inputs) == 0) {
		return View[T]{Status: Pending}
	}

	type winner struct {
		item T
		at   time.Time
	}
	merged := make(map[string]winner)
	for _, in := range a.inputs {
		for _, item := range in.items {
			id := a.cfg.ID(item)
			at := a.updatedAt(item)
			if cur, ok := merged[id]; ok && at.Before(cur.at) {
				continue
			}
			merged[id] = winner{item: item, at: at}
		}
	}

	if o := a.cfg.Overlay; o != nil {
		present := make(map[string]time.Time, len(merged))
		for id, w := range merged {
			present[id] = w.at
		}
		for id, e := range o.apply(present) {
			if e.deleted {
				delete(merged, id)
			} else {
				merged[id] = winner{item: e.item, at: a.updatedAt(e.item)}
			}
		}
	}

	items := make([]T, 0, len(merged))
	for _, w := range merged {
		items = append(items, w.item)
	}
	a.sort(items)

	status := Ready
	if errs != nil {
		status = Degraded
	}
	return View[T]{Status: status, Items: items, Errors: errs}
}

func (a *Aggregator[T]) updatedAt(item T) time.Time {
	if a.cfg.UpdatedAt == nil {
		return time.Time{}
	}
	return a.cfg.UpdatedAt(item)
}

func (a *Aggregator[T]) sort(items []T) {
	cmp := a.cfg.Order.Compare
	desc := a.cfg.Order.Descending
	sort.SliceStable(items, func(i, j int) bool {
		if cmp != nil {
			c := cmp(items[i], items[j])
			if desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return a.cfg.ID(items[i]) < a.cfg.ID(items[j])
	})
}

// Input is one source of items for an aggregator.
type Input[T any] struct {
	agg   *Aggregator[T]
	name  string
	index int

	// guarded by agg.mu
	loaded bool
	items  []T
	err    error
	gen    uint64
}

func (in *Input[T]) Name() string {
	return in.name
}

// Set replaces the input's items and clears any error.
func (in *Input[T]) Set(items []T) {
	items = append([]T(nil), items...)
	in.agg.update(func() bool {
		in.gen++
		in.loaded = true
		in.items = items
		in.err = nil
		return true
	})
}

// Fail marks the input failed. Items it already had are kept as stale data.
func (in *Input[T]) Fail(err error) {
	in.agg.update(func() bool {
		in.gen++
		in.err = err
		return true
	})
}

// Reset returns the input to pending and invalidates in-flight loads.
func (in *Input[T]) Reset() {
	in.agg.update(func() bool {
		in.gen++
		in.loaded = false
		in.items = nil
		in.err = nil
		return true
	})
}

// Load runs fetch, retrying transient failures, and applies the result
// unless the input was reset, set again or closed meanwhile, in which
// case ErrDiscarded is returned.
func (in *Input[T]) Load(ctx context.Context, fetch func(context.Context) ([]T, error)) error {
	in.agg.mu.Lock()
	gen := in.gen
	in.agg.mu.Unlock()

	var items []T
	err := in.agg.cfg.Retry.Do(ctx, func() error {
		var err error
		items, err = fetch(ctx)
		return err
	})
	if err == nil {
		items = append([]T(nil), items...)
	}

	applied := false
	in.agg.update(func() bool {
		if in.gen != gen || ctx.Err() != nil {
			return false
		}
		applied = true
		in.gen++
		if err != nil {
			in.err = err
			return true
		}
		in.loaded = true
		in.items = items
		in.err = nil
		return true
	})

	if !applied {
		return ErrDiscarded
	}
	return err
}
