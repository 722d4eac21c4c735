package gateway

import (
	"context"
	"time"
)

// Stager receives the expected result of a write before it is sent. doc is
// the full document after the write, or nil for a delete.
type Stager interface {
	Stage(resource, id string, doc any) Staged
}

// Staged is one optimistic change. Commit passes the store's update time
// so the overlay can tell when the store has caught up.
type Staged interface {
	Commit(at time.Time)
	Revert()
}

type stagerKey struct{}

// WithOptimistic attaches s to ctx. Gateway operations called with the
// returned context stage their results in s.
func WithOptimistic(ctx context.Context, s Stager) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, stagerKey{}, s)
}

type noopStaged struct{}

func (noopStaged) Commit(time.Time) {}
func (noopStaged) Revert()          {}

func stage(ctx context.Context, resource, id string, doc any) Staged {
	s, ok := ctx.Value(stagerKey{}).(Stager)
	if !ok {
		return noopStaged{}
	}
	staged := s.Stage(resource, id, doc)
	if staged == nil {
		return noopStaged{}
	}
	return staged
}

// settle commits or reverts st depending on err.
func settle(st Staged, at time.Time, err error) {
	if err != nil {
		st.Revert()
		return
	}
	st.Commit(at)
}
