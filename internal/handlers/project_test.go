package handlers

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/testutil"
	"github.com/dimitrije/taskflow-api/pkg/dto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setupProjectTest(t *testing.T) (*MockGateway, session.Session, *testutil.HTTPTestClient) {
	t.Helper()
	gw := new(MockGateway)
	sess := testSession()
	h := NewProjectHandler(gw, nil, testLogger())
	client := newTestApp(t, sess,
		route{http.MethodGet, "/projects", h.List},
		route{http.MethodPost, "/projects", h.Create},
		route{http.MethodGet, "/projects/:id", h.Get},
		route{http.MethodPatch, "/projects/:id", h.Update},
		route{http.MethodDelete, "/projects/:id", h.Delete},
		route{http.MethodPost, "/projects/:id/repair", h.Repair},
		route{http.MethodGet, "/projects/:id/members", h.Members},
		route{http.MethodPost, "/projects/:id/invitations", h.InviteMember},
		route{http.MethodGet, "/invitations", h.MyInvitations},
		route{http.MethodPost, "/invitations/:id/accept", h.AcceptInvitation},
		route{http.MethodPost, "/invitations/:id/reject", h.RejectInvitation},
	)
	return gw, sess, client
}

func strPtr(s string) *string { return &s }

func TestProjectHandler_List_EmptyIsArray(t *testing.T) {
	gw, sess, client := setupProjectTest(t)
	gw.On("ListProjects", mock.Anything, sess).Return(nil, nil)

	rec := client.GET("/projects")

	testutil.AssertStatus(t, rec, http.StatusOK)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestProjectHandler_Create(t *testing.T) {
	gw, sess, client := setupProjectTest(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	project := models.Project{ID: uuid.New(), Title: "Launch", OwnerID: sess.UserID, Kind: models.KindTeam}
	gw.On("CreateProject", mock.Anything, sess, mock.MatchedBy(func(in gateway.ProjectInput) bool {
		return in.Title == "Launch" && in.Kind == models.KindTeam &&
			in.StartDate != nil && in.StartDate.Equal(start) && in.EndDate == nil
	})).Return(project, nil)

	rec := client.POST("/projects", dto.CreateProjectRequest{
		Title:     "Launch",
		Kind:      models.KindTeam,
		StartDate: strPtr("2026-03-01"),
	})

	testutil.AssertStatus(t, rec, http.StatusCreated)
	var resp models.Project
	testutil.ParseJSON(t, rec, &resp)
	assert.Equal(t, project.ID, resp.ID)
	gw.AssertExpectations(t)
}

func TestProjectHandler_Create_BadDate(t *testing.T) {
	gw, _, client := setupProjectTest(t)

	rec := client.POST("/projects", dto.CreateProjectRequest{Title: "Launch", EndDate: strPtr("next week")})

	testutil.AssertStatus(t, rec, http.StatusBadRequest)
	var resp dto.ErrorResponse
	testutil.ParseJSON(t, rec, &resp)
	assert.Equal(t, "end_date", resp.Field)
	gw.AssertNotCalled(t, "CreateProject", mock.Anything, mock.Anything, mock.Anything)
}

func TestProjectHandler_Create_PartialFailureCarriesProject(t *testing.T) {
	gw, sess, client := setupProjectTest(t)
	project := models.Project{ID: uuid.New(), Title: "Launch", OwnerID: sess.UserID, Kind: models.KindTeam}
	partial := &apperr.PartialFailure{
		Op:        "create_project",
		Step:      "owner_membership",
		StepIndex: 1,
		Steps:     2,
		Completed: []string{"project"},
		Err:       apperr.Transient(errors.New("timeout")),
	}
	gw.On("CreateProject", mock.Anything, sess, mock.Anything).Return(project, partial)

	rec := client.POST("/projects", dto.CreateProjectRequest{Title: "Launch", Kind: models.KindTeam})

	testutil.AssertStatus(t, rec, http.StatusInternalServerError)
	var resp struct {
		dto.PartialFailureResponse
		Result models.Project `json:"result"`
	}
	testutil.ParseJSON(t, rec, &resp)
	assert.Equal(t, "partial_failure", resp.Kind)
	assert.Equal(t, "owner_membership", resp.Step)
	assert.Equal(t, []string{"project"}, resp.Completed)
	assert.Equal(t, project.ID, resp.Result.ID)
}

func TestProjectHandler_Get_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{"missing", apperr.NotFound(errors.New("project not found")), http.StatusNotFound},
		{"not a member", apperr.Permission(errors.New("not a member of this project")), http.StatusForbidden},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gw, sess, client := setupProjectTest(t)
			id := uuid.NewString()
			gw.On("Project", mock.Anything, sess, id).Return(models.Project{}, tc.err)

			rec := client.GET("/projects/" + id)

			testutil.AssertStatus(t, rec, tc.status)
		})
	}
}

func TestProjectHandler_Update_PassesPatch(t *testing.T) {
	gw, sess, client := setupProjectTest(t)
	id := uuid.NewString()
	gw.On("UpdateProject", mock.Anything, sess, id, mock.MatchedBy(func(p gateway.ProjectPatch) bool {
		return p.Title == nil && p.Status != nil && *p.Status == models.ProjectCompleted
	})).Return(models.Project{Status: models.ProjectCompleted}, nil)

	rec := client.PATCH("/projects/"+id, dto.UpdateProjectRequest{Status: strPtr(models.ProjectCompleted)})

	testutil.AssertStatus(t, rec, http.StatusOK)
	gw.AssertExpectations(t)
}

func TestProjectHandler_Delete(t *testing.T) {
	gw, sess, client := setupProjectTest(t)
	id := uuid.NewString()
	gw.On("DeleteProject", mock.Anything, sess, id).Return(nil)

	rec := client.DELETE("/projects/" + id)

	testutil.AssertStatus(t, rec, http.StatusOK)
	gw.AssertExpectations(t)
}

func TestProjectHandler_Repair(t *testing.T) {
	gw, sess, client := setupProjectTest(t)
	id := uuid.New()
	gw.On("RepairProject", mock.Anything, sess, id.String()).
		Return(gateway.RepairReport{ProjectID: id, TasksDeleted: 3}, nil)

	rec := client.POST("/projects/"+id.String()+"/repair", nil)

	testutil.AssertStatus(t, rec, http.StatusOK)
	var resp gateway.RepairReport
	testutil.ParseJSON(t, rec, &resp)
	assert.Equal(t, id, resp.ProjectID)
	assert.Equal(t, 3, resp.TasksDeleted)
}

func TestProjectHandler_InviteMember(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		gw, sess, client := setupProjectTest(t)
		id := uuid.NewString()
		inv := models.Invitation{ID: uuid.New(), InviteeEmail: "bo@example.com", Status: models.StatusPending}
		gw.On("InviteMember", mock.Anything, sess, id, "bo@example.com").Return(inv, nil)

		rec := client.POST("/projects/"+id+"/invitations", dto.InviteMemberRequest{Email: "bo@example.com"})

		testutil.AssertStatus(t, rec, http.StatusCreated)
	})

	t.Run("already invited", func(t *testing.T) {
		gw, sess, client := setupProjectTest(t)
		id := uuid.NewString()
		gw.On("InviteMember", mock.Anything, sess, id, "bo@example.com").
			Return(models.Invitation{}, apperr.Duplicate(errors.New("already invited")))

		rec := client.POST("/projects/"+id+"/invitations", dto.InviteMemberRequest{Email: "bo@example.com"})

		testutil.AssertStatus(t, rec, http.StatusConflict)
	})

	t.Run("missing email", func(t *testing.T) {
		_, _, client := setupProjectTest(t)

		rec := client.POST("/projects/"+uuid.NewString()+"/invitations", dto.InviteMemberRequest{})

		testutil.AssertStatus(t, rec, http.StatusBadRequest)
	})
}

func TestProjectHandler_RespondToInvitation(t *testing.T) {
	gw, sess, client := setupProjectTest(t)
	accepted := uuid.NewString()
	rejected := uuid.NewString()
	gw.On("RespondToInvitation", mock.Anything, sess, accepted, true).
		Return(models.Invitation{Status: models.StatusAccepted}, nil)
	gw.On("RespondToInvitation", mock.Anything, sess, rejected, false).
		Return(models.Invitation{Status: models.StatusRejected}, nil)

	rec := client.POST("/invitations/"+accepted+"/accept", nil)
	testutil.AssertStatus(t, rec, http.StatusOK)

	rec = client.POST("/invitations/"+rejected+"/reject", nil)
	testutil.AssertStatus(t, rec, http.StatusOK)
	var inv models.Invitation
	testutil.ParseJSON(t, rec, &inv)
	require.Equal(t, models.StatusRejected, inv.Status)
	gw.AssertExpectations(t)
}

func TestProjectHandler_MyInvitations(t *testing.T) {
	gw, sess, client := setupProjectTest(t)
	gw.On("PendingInvitations", mock.Anything, sess).
		Return([]models.Invitation{{ID: uuid.New(), Status: models.StatusPending}}, nil)

	rec := client.GET("/invitations")

	testutil.AssertStatus(t, rec, http.StatusOK)
	var invitations []models.Invitation
	testutil.ParseJSON(t, rec, &invitations)
	assert.Len(t, invitations, 1)
}
