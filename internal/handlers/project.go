package handlers

import (
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/pkg/dto"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/sirupsen/logrus"
)

type ProjectHandler struct {
	gateway GatewayInterface
	stagers StagerLookup
	log     *logrus.Entry
}

func NewProjectHandler(gw GatewayInterface, stagers StagerLookup, log *logrus.Entry) *ProjectHandler {
	return &ProjectHandler{gateway: gw, stagers: stagers, log: log}
}

func (h *ProjectHandler) List(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	projects, err := h.gateway.ListProjects(c.Request.Context(), sess)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}
	_ = c.JSON(200, projects)
}

func (h *ProjectHandler) Create(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	var req dto.CreateProjectRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	start, err := optionalDate("start_date", req.StartDate)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	end, err := optionalDate("end_date", req.EndDate)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}

	ctx := optimistic(c, h.stagers, sess)
	project, err := h.gateway.CreateProject(ctx, sess, gateway.ProjectInput{
		Title:       req.Title,
		Description: req.Description,
		Kind:        req.Kind,
		StartDate:   start,
		EndDate:     end,
	})
	if err != nil {
		// A team project whose owner membership failed still exists.
		respondError(c, h.log, err, project)
		return
	}
	_ = c.JSON(201, project)
}

func (h *ProjectHandler) Get(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	project, err := h.gateway.Project(c.Request.Context(), sess, c.Param("id"))
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(200, project)
}

func (h *ProjectHandler) Update(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	var req dto.UpdateProjectRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	start, err := optionalDate("start_date", req.StartDate)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	end, err := optionalDate("end_date", req.EndDate)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}

	ctx := optimistic(c, h.stagers, sess)
	project, err := h.gateway.UpdateProject(ctx, sess, c.Param("id"), gateway.ProjectPatch{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		StartDate:   start,
		EndDate:     end,
	})
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(200, project)
}

// Delete removes the project with its tasks, memberships and invitations.
// When it stops part way the response says which steps ran; sending the
// same request again finishes the job.
func (h *ProjectHandler) Delete(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	ctx := optimistic(c, h.stagers, sess)
	if err := h.gateway.DeleteProject(ctx, sess, c.Param("id")); err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(200, map[string]string{"message": "project deleted"})
}

func (h *ProjectHandler) Repair(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	report, err := h.gateway.RepairProject(c.Request.Context(), sess, c.Param("id"))
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	h.log.WithField("project_id", report.ProjectID).Info("project repaired")
	_ = c.JSON(200, report)
}

func (h *ProjectHandler) Members(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	members, err := h.gateway.Members(c.Request.Context(), sess, c.Param("id"))
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	if members == nil {
		members = []models.Membership{}
	}
	_ = c.JSON(200, members)
}

func (h *ProjectHandler) InviteMember(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	var req dto.InviteMemberRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	if req.Email == "" {
		c.BadRequest("email is required")
		return
	}

	inv, err := h.gateway.InviteMember(c.Request.Context(), sess, c.Param("id"), req.Email)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(201, inv)
}

func (h *ProjectHandler) MyInvitations(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	invitations, err := h.gateway.PendingInvitations(c.Request.Context(), sess)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	if invitations == nil {
		invitations = []models.Invitation{}
	}
	_ = c.JSON(200, invitations)
}

func (h *ProjectHandler) AcceptInvitation(c *drift.Context) {
	h.respond(c, true)
}

func (h *ProjectHandler) RejectInvitation(c *drift.Context) {
	h.respond(c, false)
}

func (h *ProjectHandler) respond(c *drift.Context, accept bool) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	ctx := optimistic(c, h.stagers, sess)
	inv, err := h.gateway.RespondToInvitation(ctx, sess, c.Param("id"), accept)
	if err != nil {
		respondError(c, h.log, err, inv)
		return
	}
	_ = c.JSON(200, inv)
}
