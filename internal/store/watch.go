package store

import (
	"context"
	"errors"
	"sync"

	"github.com/dimitrije/taskflow-api/internal/hub"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/retry"
	"github.com/google/uuid"
)

var errFeedStopped = errors.New("store: change feed stopped")

type watch struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (w *watch) Close() {
	w.once.Do(w.cancel)
}

type readFunc func(ctx context.Context, d query.Descriptor) (Snapshot, error)

// subscribe watches d.Resource on the feed and re-runs read after every
// change, calling fn when the result differs from the last one delivered.
// The watcher is registered before the first read so no change between
// the two is missed.
func subscribe(ctx context.Context, feed *hub.Hub, policy retry.Policy, d query.Descriptor, read readFunc, fn Listener) (Subscription, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &hub.Watcher{
		ID:        uuid.NewString(),
		Resources: map[string]bool{d.Resource: true},
		Send:      make(chan hub.Change, 1),
	}
	if !feed.Register(w) {
		cancel()
		return nil, errFeedStopped
	}

	go func() {
		defer feed.Unregister(w)

		first, last := true, ""
		emit := func() bool {
			var snap Snapshot
			err := policy.Do(ctx, func() error {
				var err error
				snap, err = read(ctx, d)
				return err
			})
			if ctx.Err() != nil {
				return false
			}
			if err != nil {
				fn(Snapshot{}, err)
				return false
			}
			if sig := snap.signature(); first || sig != last {
				first, last = false, sig
				fn(snap, nil)
			}
			return true
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-w.Send:
				if !ok {
					if ctx.Err() == nil {
						fn(Snapshot{}, errFeedStopped)
					}
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()

	return &watch{cancel: cancel}, nil
}
