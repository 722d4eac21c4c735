package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/logging"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/retry"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/dimitrije/taskflow-api/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) SendProjectInvite(to, projectTitle, inviterName, inviteURL string) error {
	args := m.Called(to, projectTitle, inviterName, inviteURL)
	return args.Error(0)
}

type fixture struct {
	store  *testutil.FaultyStore
	gw     *gateway.Gateway
	mailer *mockMailer
	owner  session.Session
	alice  session.Session
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mem := testutil.NewMemoryStore(t, store.WithClock(func() time.Time { return now }))
	faulty := testutil.NewFaultyStore(mem)
	mailer := &mockMailer{}
	mailer.On("SendProjectInvite", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	f := &fixture{
		store:  faulty,
		mailer: mailer,
		owner:  testutil.SeedUser(t, mem, "owner@x.com", "Owner"),
		alice:  testutil.SeedUser(t, mem, "a@x.com", "Alice"),
	}
	f.gw = gateway.New(faulty,
		gateway.WithMailer(mailer),
		gateway.WithLogger(logging.Discard()),
		gateway.WithClock(func() time.Time { return now }),
		gateway.WithBaseURL("https://app.example.com/"),
		gateway.WithRetry(retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond}),
	)
	return f
}

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func (f *fixture) count(t *testing.T, resource string, filters ...query.Filter) int {
	t.Helper()
	snap, err := f.store.Read(context.Background(), query.New(resource, filters...))
	require.NoError(t, err)
	return len(snap.Docs)
}

func (f *fixture) teamProject(t *testing.T, title string) models.Project {
	t.Helper()
	p, err := f.gw.CreateProject(context.Background(), f.owner, gateway.ProjectInput{
		Title: title,
		Kind:  models.KindTeam,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) join(t *testing.T, p models.Project, who session.Session) {
	t.Helper()
	ctx := context.Background()
	inv, err := f.gw.InviteMember(ctx, f.owner, p.ID.String(), who.Email)
	require.NoError(t, err)
	_, err = f.gw.RespondToInvitation(ctx, who, inv.ID.String(), true)
	require.NoError(t, err)
}

func TestLaunchScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p, err := f.gw.CreateProject(ctx, f.owner, gateway.ProjectInput{
		Title:     "Launch",
		Kind:      models.KindTeam,
		StartDate: day(2024, 1, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, *day(2024, 1, 31), p.EndDate)
	assert.Equal(t, 1, f.count(t, store.Members, query.Where("project_id", query.Eq, p.ID)))

	inv, err := f.gw.InviteMember(ctx, f.owner, p.ID.String(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, inv.Status)
	f.mailer.AssertCalled(t, "SendProjectInvite", "a@x.com", "Launch", "Owner",
		"https://app.example.com/invitations/"+inv.ID.String())

	_, err = f.gw.InviteMember(ctx, f.owner, p.ID.String(), "a@x.com")
	assert.ErrorIs(t, err, gateway.ErrDuplicateInvitation)
	assert.ErrorIs(t, err, apperr.ErrDuplicate)

	accepted, err := f.gw.RespondToInvitation(ctx, f.alice, inv.ID.String(), true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.RespondedAt)

	doc, err := f.store.Get(ctx, store.Members, inv.ID.String())
	require.NoError(t, err)
	var m models.Membership
	require.NoError(t, doc.Decode(&m))
	assert.Equal(t, models.RoleMember, m.Role)
	assert.Equal(t, models.StatusAccepted, m.Status)
	assert.Equal(t, f.alice.UserID, m.UserID)

	_, err = f.gw.CreateTask(ctx, f.alice, p.ID.String(), gateway.TaskInput{Title: "Write copy"})
	require.NoError(t, err)

	require.NoError(t, f.gw.DeleteProject(ctx, f.owner, p.ID.String()))
	byProject := query.Where("project_id", query.Eq, p.ID)
	assert.Zero(t, f.count(t, store.Tasks, byProject))
	assert.Zero(t, f.count(t, store.Members, byProject))
	assert.Zero(t, f.count(t, store.Invitations, byProject))
	assert.Zero(t, f.count(t, store.Projects, query.Where("title", query.Eq, "Launch")))
}

func TestCreateProject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		p, err := f.gw.CreateProject(ctx, f.owner, gateway.ProjectInput{Title: "  Solo  "})
		require.NoError(t, err)
		assert.Equal(t, "Solo", p.Title)
		assert.Equal(t, models.KindIndividual, p.Kind)
		assert.Equal(t, models.ProjectActive, p.Status)
		assert.Equal(t, *day(2024, 1, 1), p.StartDate)
		assert.Equal(t, *day(2024, 1, 31), p.EndDate)
		assert.Zero(t, f.count(t, store.Members, query.Where("project_id", query.Eq, p.ID)))
	})

	t.Run("validation", func(t *testing.T) {
		tests := []struct {
			name  string
			in    gateway.ProjectInput
			field string
		}{
			{"missing title", gateway.ProjectInput{Title: " "}, "title"},
			{"bad kind", gateway.ProjectInput{Title: "x", Kind: "club"}, "kind"},
			{"end before start", gateway.ProjectInput{Title: "x", StartDate: day(2024, 2, 1), EndDate: day(2024, 1, 1)}, "end_date"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.gw.CreateProject(ctx, f.owner, tt.in)
				var verr *apperr.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.field, verr.Field)
			})
		}
	})

	t.Run("signed out", func(t *testing.T) {
		_, err := f.gw.CreateProject(ctx, session.Anonymous, gateway.ProjectInput{Title: "x"})
		assert.ErrorIs(t, err, gateway.ErrNotSignedIn)
	})
}

func TestCreateProject_OwnerMembershipFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.store.Inject(testutil.Fault{Op: "set", Resource: store.Members, Err: apperr.Transient(errors.New("unavailable"))})

	p, err := f.gw.CreateProject(ctx, f.owner, gateway.ProjectInput{Title: "Team", Kind: models.KindTeam})

	var partial *apperr.PartialFailure
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "owner membership", partial.Step)
	assert.Equal(t, 2, partial.StepIndex)
	assert.Equal(t, []string{"project"}, partial.Completed)
	assert.False(t, apperr.IsRetryable(err))
	assert.Equal(t, 3, f.store.Calls("set", store.Members))
	require.NotEqual(t, uuid.Nil, p.ID)

	f.store.Clear()
	report, err := f.gw.RepairProject(ctx, f.owner, p.ID.String())
	require.NoError(t, err)
	assert.True(t, report.ProjectExists)
	assert.True(t, report.OwnerMembership)

	report, err = f.gw.RepairProject(ctx, f.owner, p.ID.String())
	require.NoError(t, err)
	assert.False(t, report.OwnerMembership)
	assert.Equal(t, 1, f.count(t, store.Members, query.Where("project_id", query.Eq, p.ID)))
}

func TestUpdateProject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.teamProject(t, "Old")
	f.join(t, p, f.alice)

	title := "New"
	updated, err := f.gw.UpdateProject(ctx, f.owner, p.ID.String(), gateway.ProjectPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "New", updated.Title)

	_, err = f.gw.UpdateProject(ctx, f.alice, p.ID.String(), gateway.ProjectPatch{Title: &title})
	assert.ErrorIs(t, err, gateway.ErrNotOwner)

	bad := "done"
	_, err = f.gw.UpdateProject(ctx, f.owner, p.ID.String(), gateway.ProjectPatch{Status: &bad})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.gw.UpdateProject(ctx, f.owner, p.ID.String(), gateway.ProjectPatch{EndDate: day(2023, 12, 1)})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestInviteMember_Rules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	team := f.teamProject(t, "Team")
	solo, err := f.gw.CreateProject(ctx, f.owner, gateway.ProjectInput{Title: "Solo"})
	require.NoError(t, err)

	_, err = f.gw.InviteMember(ctx, f.owner, team.ID.String(), "nobody@x.com")
	assert.ErrorIs(t, err, gateway.ErrUserNotFound)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.gw.InviteMember(ctx, f.owner, team.ID.String(), "OWNER@x.com")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.gw.InviteMember(ctx, f.owner, solo.ID.String(), "a@x.com")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.gw.InviteMember(ctx, f.alice, team.ID.String(), "owner@x.com")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "a stranger cannot see the project")

	f.join(t, team, f.alice)
	_, err = f.gw.InviteMember(ctx, f.owner, team.ID.String(), "a@x.com")
	assert.ErrorIs(t, err, gateway.ErrDuplicateInvitation)
}

func TestInviteMember_ConcurrentInvitesCreateOne(t *testing.T) {
	f := setup(t)
	team := f.teamProject(t, "Team")

	const callers = 20
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gw.InviteMember(context.Background(), f.owner, team.ID.String(), "a@x.com")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, gateway.ErrDuplicateInvitation)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, f.count(t, store.Invitations, query.Where("project_id", query.Eq, team.ID)))
}

func TestInviteMember_MailFailureDoesNotFail(t *testing.T) {
	f := setup(t)
	mailer := &mockMailer{}
	mailer.On("SendProjectInvite", "a@x.com", "Team", "Owner", mock.Anything).Return(errors.New("smtp down")).Once()
	gw := gateway.New(f.store, gateway.WithMailer(mailer), gateway.WithLogger(logging.Discard()))
	p := f.teamProject(t, "Team")

	inv, err := gw.InviteMember(context.Background(), f.owner, p.ID.String(), "a@x.com")

	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, inv.Status)
	mailer.AssertExpectations(t)
}

func TestInvitationTerminality(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.teamProject(t, "Team")

	inv, err := f.gw.InviteMember(ctx, f.owner, p.ID.String(), "a@x.com")
	require.NoError(t, err)

	rejected, err := f.gw.RespondToInvitation(ctx, f.alice, inv.ID.String(), false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)

	for _, accept := range []bool{true, false} {
		_, err = f.gw.RespondToInvitation(ctx, f.alice, inv.ID.String(), accept)
		assert.ErrorIs(t, err, gateway.ErrInvitationResolved)
		assert.False(t, apperr.IsRetryable(err))
	}
	assert.Zero(t, f.count(t, store.Members, query.Where("user_id", query.Eq, f.alice.UserID)))

	again, err := f.gw.InviteMember(ctx, f.owner, p.ID.String(), "a@x.com")
	require.NoError(t, err)
	assert.NotEqual(t, inv.ID, again.ID)
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestRespondToInvitation_OnlyInvitee(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	bob := testutil.SeedUser(t, f.store, "b@x.com", "Bob")
	p := f.teamProject(t, "Team")

	inv, err := f.gw.InviteMember(ctx, f.owner, p.ID.String(), "a@x.com")
	require.NoError(t, err)

	_, err = f.gw.RespondToInvitation(ctx, bob, inv.ID.String(), true)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.gw.RespondToInvitation(ctx, f.owner, inv.ID.String(), true)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRespondToInvitation_StatusWriteFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.teamProject(t, "Team")
	inv, err := f.gw.InviteMember(ctx, f.owner, p.ID.String(), "a@x.com")
	require.NoError(t, err)

	f.store.Inject(testutil.Fault{Op: "write", Resource: store.Invitations, Err: apperr.Permission(errors.New("denied"))})
	_, err = f.gw.RespondToInvitation(ctx, f.alice, inv.ID.String(), true)

	var partial *apperr.PartialFailure
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "invitation status", partial.Step)
	assert.Equal(t, []string{"membership"}, partial.Completed)

	// The membership write is idempotent, so answering again completes.
	f.store.Clear()
	accepted, err := f.gw.RespondToInvitation(ctx, f.alice, inv.ID.String(), true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	assert.Equal(t, 1, f.count(t, store.Members, query.Where("user_id", query.Eq, f.alice.UserID)))
}

func TestDeleteProject_Cascade(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.teamProject(t, "Team")
	f.join(t, p, f.alice)
	for _, title := range []string{"one", "two", "three"} {
		_, err := f.gw.CreateTask(ctx, f.owner, p.ID.String(), gateway.TaskInput{Title: title})
		require.NoError(t, err)
	}
	byProject := query.Where("project_id", query.Eq, p.ID)
	require.Equal(t, 3, f.count(t, store.Tasks, byProject))
	require.Equal(t, 2, f.count(t, store.Members, byProject))

	err := f.gw.DeleteProject(ctx, f.alice, p.ID.String())
	assert.ErrorIs(t, err, gateway.ErrNotOwner)

	f.store.Inject(testutil.Fault{Op: "delete", Resource: store.Members, Err: apperr.Transient(errors.New("timeout"))})
	err = f.gw.DeleteProject(ctx, f.owner, p.ID.String())

	var partial *apperr.PartialFailure
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "delete project", partial.Op)
	assert.Equal(t, "memberships", partial.Step)
	assert.Equal(t, 2, partial.StepIndex)
	assert.Equal(t, 4, partial.Steps)
	assert.Equal(t, []string{"tasks"}, partial.Completed)
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Zero(t, f.count(t, store.Tasks, byProject))
	assert.Equal(t, 2, f.count(t, store.Members, byProject))

	f.store.Clear()
	require.NoError(t, f.gw.DeleteProject(ctx, f.owner, p.ID.String()))
	assert.Zero(t, f.count(t, store.Members, byProject))
	assert.Zero(t, f.count(t, store.Invitations, byProject))

	_, err = f.gw.Project(ctx, f.owner, p.ID.String())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRepairProject_RemovesOrphans(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := f.teamProject(t, "Team")
	_, err := f.gw.CreateTask(ctx, f.owner, p.ID.String(), gateway.TaskInput{Title: "left behind"})
	require.NoError(t, err)
	_, err = f.gw.InviteMember(ctx, f.owner, p.ID.String(), "a@x.com")
	require.NoError(t, err)

	// Simulate a delete that removed only the project.
	require.NoError(t, f.store.Delete(ctx, store.Projects, p.ID.String()))

	orphans, err := f.gw.Orphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{p.ID}, orphans)

	_, err = f.gw.RepairProject(ctx, f.alice, p.ID.String())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	report, err := f.gw.RepairProject(ctx, f.owner, p.ID.String())
	require.NoError(t, err)
	assert.False(t, report.ProjectExists)
	assert.Equal(t, 1, report.TasksDeleted)
	assert.Equal(t, 1, report.MembershipsDeleted)
	assert.Equal(t, 1, report.InvitationsDeleted)

	again, err := f.gw.Repair(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.RepairReport{ProjectID: p.ID}, again)

	orphans, err = f.gw.Orphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestTasks_AccessAndAssignee(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	bob := testutil.SeedUser(t, f.store, "b@x.com", "Bob")
	p := f.teamProject(t, "Team")
	f.join(t, p, f.alice)

	task, err := f.gw.CreateTask(ctx, f.owner, p.ID.String(), gateway.TaskInput{
		Title:         "Ship",
		DueDate:       day(2024, 1, 5),
		AssigneeEmail: "A@x.com",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityMedium, task.Priority)
	require.NotNil(t, task.AssigneeEmail)
	assert.Equal(t, "a@x.com", *task.AssigneeEmail)

	_, err = f.gw.CreateTask(ctx, f.owner, p.ID.String(), gateway.TaskInput{Title: "x", AssigneeEmail: "b@x.com"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.gw.CreateTask(ctx, f.owner, p.ID.String(), gateway.TaskInput{Title: "x", Priority: "urgent"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.gw.CreateTask(ctx, bob, p.ID.String(), gateway.TaskInput{Title: "x"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	high := models.PriorityHigh
	unassign := ""
	updated, err := f.gw.UpdateTask(ctx, f.alice, task.ID.String(), gateway.TaskPatch{
		Priority:      &high,
		ClearDueDate:  true,
		AssigneeEmail: &unassign,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, updated.Priority)
	assert.Nil(t, updated.DueDate)
	assert.Nil(t, updated.AssigneeEmail)

	_, err = f.gw.UpdateTask(ctx, bob, task.ID.String(), gateway.TaskPatch{Priority: &high})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.ErrorIs(t, f.gw.DeleteTask(ctx, bob, task.ID.String()), apperr.ErrNotFound)
	require.NoError(t, f.gw.DeleteTask(ctx, f.alice, task.ID.String()))
	require.NoError(t, f.gw.DeleteTask(ctx, f.alice, task.ID.String()))
}

func TestToggleTaskCompletion_KeepsTimestampConsistent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p, err := f.gw.CreateProject(ctx, f.owner, gateway.ProjectInput{Title: "Solo"})
	require.NoError(t, err)
	task, err := f.gw.CreateTask(ctx, f.owner, p.ID.String(), gateway.TaskInput{Title: "Ship"})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		toggled, err := f.gw.ToggleTaskCompletion(ctx, f.owner, task.ID.String())
		require.NoError(t, err)

		doc, err := f.store.Get(ctx, store.Tasks, task.ID.String())
		require.NoError(t, err)
		var stored models.Task
		require.NoError(t, doc.Decode(&stored))

		wantDone := i%2 == 0
		assert.Equal(t, wantDone, toggled.Completed)
		assert.Equal(t, wantDone, stored.Completed)
		if wantDone {
			assert.NotNil(t, toggled.CompletedAt)
			assert.NotNil(t, stored.CompletedAt)
		} else {
			assert.Nil(t, toggled.CompletedAt)
			assert.Nil(t, stored.CompletedAt)
		}
	}
}

func TestToggleTaskCompletion_NotRetried(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p, err := f.gw.CreateProject(ctx, f.owner, gateway.ProjectInput{Title: "Solo"})
	require.NoError(t, err)
	task, err := f.gw.CreateTask(ctx, f.owner, p.ID.String(), gateway.TaskInput{Title: "Ship"})
	require.NoError(t, err)

	f.store.Inject(testutil.Fault{Op: "write", Resource: store.Tasks, Err: apperr.Transient(errors.New("timeout")), Times: 1})
	_, err = f.gw.ToggleTaskCompletion(ctx, f.owner, task.ID.String())

	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 1, f.store.Calls("write", store.Tasks))
}

func TestUpdateProfile(t *testing.T) {
	f := setup(t)
	broker := session.NewBroker()
	gw := gateway.New(f.store, gateway.WithSessions(broker), gateway.WithLogger(logging.Discard()))
	events, cancel := broker.Subscribe(f.owner.UserID)
	defer cancel()
	ctx := context.Background()

	name := "The Owner"
	avatar := "https://cdn.example.com/me.png"
	u, err := gw.UpdateProfile(ctx, f.owner, gateway.ProfilePatch{DisplayName: &name, AvatarURL: &avatar})
	require.NoError(t, err)
	assert.Equal(t, "The Owner", u.DisplayName)
	require.NotNil(t, u.AvatarURL)

	select {
	case e := <-events:
		assert.Equal(t, session.ProfileUpdated, e.Kind)
		assert.Equal(t, "The Owner", e.Session.DisplayName)
	case <-time.After(time.Second):
		t.Fatal("no profile event")
	}

	blank := " "
	_, err = gw.UpdateProfile(ctx, f.owner, gateway.ProfilePatch{DisplayName: &blank})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	bad := "ftp://files"
	_, err = gw.UpdateProfile(ctx, f.owner, gateway.ProfilePatch{AvatarURL: &bad})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestListProjects_OwnedAndJoined(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	zeta, err := f.gw.CreateProject(ctx, f.alice, gateway.ProjectInput{Title: "Zeta"})
	require.NoError(t, err)
	alpha := f.teamProject(t, "Alpha")
	mid, err := f.gw.CreateProject(ctx, f.alice, gateway.ProjectInput{Title: "middle"})
	require.NoError(t, err)
	f.teamProject(t, "Other")
	f.join(t, alpha, f.alice)

	projects, err := f.gw.ListProjects(ctx, f.alice)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []uuid.UUID{alpha.ID, mid.ID, zeta.ID}, ids)

	invites, err := f.gw.PendingInvitations(ctx, f.alice)
	require.NoError(t, err)
	assert.Empty(t, invites)

	members, err := f.gw.Members(ctx, f.alice, alpha.ID.String())
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestListProjects_Empty(t *testing.T) {
	f := setup(t)

	projects, err := f.gw.ListProjects(context.Background(), f.alice)
	require.NoError(t, err)
	assert.NotNil(t, projects)
	assert.Empty(t, projects)
}

func TestListProjects_RetriesTransientReads(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	team := f.teamProject(t, "Team")
	f.join(t, team, f.alice)

	f.store.Inject(testutil.Fault{Op: "read", Resource: store.Members,
		Err: apperr.Transient(errors.New("connection reset")), Times: 1})

	projects, err := f.gw.ListProjects(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, team.ID, projects[0].ID)
}

func TestListProjects_FailedInputIsReported(t *testing.T) {
	f := setup(t)
	_, err := f.gw.CreateProject(context.Background(), f.alice, gateway.ProjectInput{Title: "Mine"})
	require.NoError(t, err)

	f.store.Inject(testutil.Fault{Op: "read", Resource: store.Members,
		Err: apperr.Permission(errors.New("denied"))})
	before := f.store.Calls("read", store.Members)

	_, err = f.gw.ListProjects(context.Background(), f.alice)
	assert.ErrorIs(t, err, apperr.ErrPermission)
	assert.Equal(t, before+1, f.store.Calls("read", store.Members), "permission errors are not retried")
}

type stagedOp struct {
	resource, id string
	doc          any
	committed    bool
	reverted     bool
}

type recordingStager struct {
	mu  sync.Mutex
	ops []*stagedOp
}

func (r *recordingStager) Stage(resource, id string, doc any) gateway.Staged {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := &stagedOp{resource: resource, id: id, doc: doc}
	r.ops = append(r.ops, op)
	return op
}

func (o *stagedOp) Commit(time.Time) { o.committed = true }
func (o *stagedOp) Revert()          { o.reverted = true }

func TestOptimisticStaging(t *testing.T) {
	f := setup(t)
	stager := &recordingStager{}
	ctx := gateway.WithOptimistic(context.Background(), stager)

	p, err := f.gw.CreateProject(ctx, f.owner, gateway.ProjectInput{Title: "Solo"})
	require.NoError(t, err)
	require.Len(t, stager.ops, 1)
	assert.Equal(t, store.Projects, stager.ops[0].resource)
	assert.Equal(t, p.ID.String(), stager.ops[0].id)
	assert.True(t, stager.ops[0].committed)

	f.store.Inject(testutil.Fault{Op: "write", Err: apperr.Permission(errors.New("denied"))})
	title := "Renamed"
	_, err = f.gw.UpdateProject(ctx, f.owner, p.ID.String(), gateway.ProjectPatch{Title: &title})
	require.Error(t, err)
	require.Len(t, stager.ops, 2)
	assert.True(t, stager.ops[1].reverted)
	assert.False(t, stager.ops[1].committed)

	f.store.Clear()
	require.NoError(t, f.gw.DeleteProject(ctx, f.owner, p.ID.String()))
	last := stager.ops[len(stager.ops)-1]
	assert.Nil(t, last.doc)
	assert.True(t, last.committed)
}
