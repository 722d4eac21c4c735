package viewmodel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dimitrije/taskflow-api/internal/aggregate"
	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/logging"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/retry"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/dimitrije/taskflow-api/internal/subscription"
	"github.com/dimitrije/taskflow-api/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

type env struct {
	store   *testutil.FaultyStore
	manager *subscription.Manager
	gw      *gateway.Gateway
	owner   session.Session
	alice   session.Session
}

func setup(t *testing.T) *env {
	t.Helper()
	mem := testutil.NewMemoryStore(t)
	faulty := testutil.NewFaultyStore(mem)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := subscription.NewManager(faulty, subscription.WithLogger(logging.Discard()))
	go m.Run(ctx)

	return &env{
		store:   faulty,
		manager: m,
		gw: gateway.New(faulty,
			gateway.WithLogger(logging.Discard()),
			gateway.WithRetry(retry.Policy{Attempts: 1})),
		owner: testutil.SeedUser(t, mem, "owner@x.com", "Owner"),
		alice: testutil.SeedUser(t, mem, "a@x.com", "Alice"),
	}
}

func (e *env) views(t *testing.T, sess session.Session) *Views {
	t.Helper()
	v := New(e.manager, sess, WithLogger(logging.Discard()))
	t.Cleanup(v.Close)
	return v
}

type latest[T any] struct {
	mu  sync.Mutex
	all []T
}

func (l *latest[T]) put(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, v)
}

func (l *latest[T]) get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	if len(l.all) == 0 {
		return zero, false
	}
	return l.all[len(l.all)-1], true
}

func (l *latest[T]) seen(match func(T) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range l.all {
		if match(v) {
			return true
		}
	}
	return false
}

func titles(items []models.Project) []string {
	out := make([]string, len(items))
	for i, p := range items {
		out[i] = p.Title
	}
	return out
}

func (e *env) eventuallyProjects(t *testing.T, got *latest[aggregate.View[models.Project]], want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := got.get()
		return ok && v.Status == aggregate.Ready && assert.ObjectsAreEqual(want, titles(v.Items))
	}, wait, tick)
}

func TestWatchProjects_OwnedAndJoined(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.gw.CreateProject(ctx, e.alice, gateway.ProjectInput{Title: "Mine"})
	require.NoError(t, err)
	team, err := e.gw.CreateProject(ctx, e.owner, gateway.ProjectInput{Title: "Team", Kind: models.KindTeam})
	require.NoError(t, err)

	got := &latest[aggregate.View[models.Project]]{}
	v := e.views(t, e.alice)
	_, err = v.WatchProjects(ctx, got.put)
	require.NoError(t, err)
	e.eventuallyProjects(t, got, "Mine")

	inv, err := e.gw.InviteMember(ctx, e.owner, team.ID.String(), "a@x.com")
	require.NoError(t, err)
	_, err = e.gw.RespondToInvitation(ctx, e.alice, inv.ID.String(), true)
	require.NoError(t, err)
	e.eventuallyProjects(t, got, "Mine", "Team")

	// Leaving the team drops the project from the view.
	require.NoError(t, e.store.Delete(ctx, store.Members, inv.ID.String()))
	e.eventuallyProjects(t, got, "Mine")
}

func TestWatchProjects_NeverEmptyBeforeLoaded(t *testing.T) {
	e := setup(t)
	got := &latest[aggregate.View[models.Project]]{}
	v := e.views(t, e.alice)

	_, err := v.WatchProjects(context.Background(), got.put)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := got.get()
		return ok && v.Status == aggregate.Ready
	}, wait, tick)
	assert.False(t, got.seen(func(v aggregate.View[models.Project]) bool {
		return v.Status == aggregate.Pending && v.Items != nil
	}))
	final, _ := got.get()
	assert.NotNil(t, final.Items)
	assert.Empty(t, final.Items)
}

func TestViews_ShareSubscriptionsAndRelease(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	first := New(e.manager, e.alice)
	second := New(e.manager, e.alice)

	_, err := first.WatchInvitations(ctx, func(aggregate.View[models.Invitation]) {})
	require.NoError(t, err)
	_, err = second.WatchInvitations(ctx, func(aggregate.View[models.Invitation]) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := e.manager.Stats()
		return s.Remote == 1 && s.Listeners == 2
	}, wait, tick)
	assert.Equal(t, 1, e.store.Calls("subscribe", store.Invitations))

	first.Close()
	second.Close()
	require.Eventually(t, func() bool {
		s := e.manager.Stats()
		return s.Remote == 0 && s.Listeners == 0
	}, wait, tick)
	assert.Zero(t, first.Len())
}

func TestWatchTasks_BoardWithStats(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	p, err := e.gw.CreateProject(ctx, e.owner, gateway.ProjectInput{Title: "Solo"})
	require.NoError(t, err)
	for _, in := range []gateway.TaskInput{
		{Title: "b", Priority: models.PriorityLow},
		{Title: "a", Priority: models.PriorityHigh},
	} {
		_, err := e.gw.CreateTask(ctx, e.owner, p.ID.String(), in)
		require.NoError(t, err)
	}

	got := &latest[Board]{}
	v := e.views(t, e.owner)
	_, err = v.WatchTasks(ctx, p.ID, models.SortPriority, got.put)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, ok := got.get()
		return ok && b.Status == aggregate.Ready && len(b.Items) == 2 && b.Stats != nil
	}, wait, tick)
	b, _ := got.get()
	assert.Equal(t, "a", b.Items[0].Title)
	assert.Equal(t, 2, b.Stats.Total)
	require.NotNil(t, b.Project)
	assert.Equal(t, p.ID, b.Project.ID)

	_, err = v.WatchTasks(ctx, p.ID, "color", got.put)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, e.gw.DeleteProject(ctx, e.owner, p.ID.String()))
	require.Eventually(t, func() bool {
		b, ok := got.get()
		return ok && b.Status == aggregate.Degraded && errors.Is(b.Errors["project"], apperr.ErrNotFound)
	}, wait, tick)
}

func TestStage_ShowsWritesBeforeStoreAndRevertsFailures(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	p, err := e.gw.CreateProject(ctx, e.owner, gateway.ProjectInput{Title: "Solo"})
	require.NoError(t, err)
	task, err := e.gw.CreateTask(ctx, e.owner, p.ID.String(), gateway.TaskInput{Title: "Ship", AssigneeEmail: "owner@x.com"})
	require.NoError(t, err)

	v := e.views(t, e.owner)
	board := &latest[Board]{}
	agenda := &latest[Board]{}
	_, err = v.WatchTasks(ctx, p.ID, "", board.put)
	require.NoError(t, err)
	_, err = v.WatchAgenda(ctx, agenda.put)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, ok := board.get()
		a, ok2 := agenda.get()
		return ok && ok2 && b.Status == aggregate.Ready && len(a.Items) == 1
	}, wait, tick)

	optimistic := gateway.WithOptimistic(ctx, v)

	// A failed write shows the change and then takes it back.
	e.store.Inject(testutil.Fault{Op: "write", Resource: store.Tasks, Err: apperr.Permission(errors.New("denied"))})
	_, err = e.gw.ToggleTaskCompletion(optimistic, e.owner, task.ID.String())
	require.Error(t, err)
	assert.True(t, agenda.seen(func(b Board) bool { return b.Status == aggregate.Ready && len(b.Items) == 0 }))
	a, _ := agenda.get()
	assert.Len(t, a.Items, 1)
	b, _ := board.get()
	assert.False(t, b.Items[0].Completed)

	e.store.Clear()
	_, err = e.gw.ToggleTaskCompletion(optimistic, e.owner, task.ID.String())
	require.NoError(t, err)
	b, _ = board.get()
	assert.True(t, b.Items[0].Completed, "staged before the store confirms")
	require.Eventually(t, func() bool {
		a, _ := agenda.get()
		return len(a.Items) == 0
	}, wait, tick)
}

func TestUpdateSession(t *testing.T) {
	e := setup(t)
	v := New(e.manager, e.owner)
	_, err := v.WatchInvitations(context.Background(), func(aggregate.View[models.Invitation]) {})
	require.NoError(t, err)

	renamed := e.owner
	renamed.DisplayName = "Renamed"
	require.NoError(t, v.UpdateSession(renamed))
	assert.Equal(t, "Renamed", v.Session().DisplayName)
	assert.Equal(t, 1, v.Len())

	assert.ErrorIs(t, v.UpdateSession(e.alice), ErrIdentityChanged)
	assert.Zero(t, v.Len())
	_, err = v.WatchInvitations(context.Background(), func(aggregate.View[models.Invitation]) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWatch_RequiresSession(t *testing.T) {
	e := setup(t)
	v := e.views(t, session.Anonymous)

	_, err := v.WatchProjects(context.Background(), func(aggregate.View[models.Project]) {})
	assert.ErrorIs(t, err, gateway.ErrNotSignedIn)
}
