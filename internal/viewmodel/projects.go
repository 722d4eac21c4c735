package viewmodel

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/dimitrije/taskflow-api/internal/aggregate"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/dimitrije/taskflow-api/internal/subscription"
	"github.com/google/uuid"
)

// WatchProjects emits the projects the user owns together with the team
// projects they joined. The joined half follows the user's accepted
// memberships: whenever that set changes the project subscription is
// replaced. The view stays pending until both halves have loaded once.
func (v *Views) WatchProjects(ctx context.Context, emit func(aggregate.View[models.Project])) (stop func(), err error) {
	sess := v.Session()
	if !sess.Authenticated() {
		return nil, gateway.ErrNotSignedIn
	}

	j := &joined{ctx: ctx}
	w := newView(v, store.Projects, gateway.ProjectConfig(emit), func(p models.Project) bool {
		return p.OwnerID == sess.UserID || j.has(p.ID)
	})
	owned := w.agg.Input("owned")
	j.w, j.in = w, w.agg.Input("member")

	stop, err = v.register(w)
	if err != nil {
		return nil, err
	}
	if _, err := w.follow(ctx, query.New(store.Projects,
		query.Where("owner_id", query.Eq, sess.UserID)), owned); err != nil {
		stop()
		return nil, err
	}
	if _, err := w.subscribe(ctx, query.New(store.Members,
		query.Where("user_id", query.Eq, sess.UserID),
		query.Where("status", query.Eq, models.StatusAccepted)), j.memberships); err != nil {
		stop()
		return nil, err
	}
	return stop, nil
}

// joined keeps the "member" input subscribed to the projects named by the
// user's memberships.
type joined struct {
	ctx context.Context
	w   *view[models.Project]
	in  *aggregate.Input[models.Project]

	mu      sync.Mutex
	started bool
	key     string
	ids     map[uuid.UUID]bool
	handle  *subscription.Handle
	gen     int
}

func (j *joined) has(id uuid.UUID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ids[id]
}

func (j *joined) memberships(u subscription.Update) {
	if u.Err != nil {
		j.in.Fail(u.Err)
		return
	}
	ms, err := store.DecodeAll[models.Membership](u.Snapshot.Docs)
	if err != nil {
		j.in.Fail(err)
		return
	}

	set := make(map[uuid.UUID]bool, len(ms))
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		if m.Role == models.RoleOwner || set[m.ProjectID] {
			continue
		}
		set[m.ProjectID] = true
		ids = append(ids, m.ProjectID.String())
	}
	sort.Strings(ids)
	key := strings.Join(ids, ",")

	j.mu.Lock()
	if j.started && key == j.key {
		j.mu.Unlock()
		return
	}
	j.started = true
	j.key = key
	j.ids = set
	old := j.handle
	j.handle = nil
	j.gen++
	gen := j.gen
	j.mu.Unlock()

	if old != nil {
		j.w.release(old)
	}
	if len(ids) == 0 {
		// Loaded, and there is nothing to join.
		j.in.Set(nil)
		return
	}

	// The previous items stay visible until the new subscription delivers.
	next := feed(j.in)
	h, err := j.w.subscribe(j.ctx, query.New(store.Projects, query.Where("id", query.In, ids)),
		func(u subscription.Update) {
			if j.current(gen) {
				next(u)
			}
		})
	if err != nil {
		if !errors.Is(err, ErrClosed) && !errors.Is(err, subscription.ErrClosed) {
			j.in.Fail(err)
		}
		return
	}

	j.mu.Lock()
	if j.gen == gen {
		j.handle = h
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()
	j.w.release(h)
}

func (j *joined) current(gen int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.gen == gen
}
