package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/retry"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/google/uuid"
)

type ProjectInput struct {
	Title       string
	Description string
	Kind        string
	StartDate   *time.Time
	EndDate     *time.Time
}

// ProjectPatch lists the fields to change; nil fields are left alone.
type ProjectPatch struct {
	Title       *string
	Description *string
	Status      *string
	StartDate   *time.Time
	EndDate     *time.Time
}

// ownerMembershipAttempts bounds the retries of the owner membership write
// that follows the project write.
const ownerMembershipAttempts = 3

// CreateProject writes a project owned by the caller. Dates are truncated
// to UTC midnight; the start defaults to today and the end to start plus
// the configured duration. A team project also gets its owner membership.
// If that second write still fails after retrying, the project is returned
// together with an *apperr.PartialFailure.
func (g *Gateway) CreateProject(ctx context.Context, sess session.Session, in ProjectInput) (p models.Project, err error) {
	defer func() { observe("create_project", err) }()

	if err := requireSession(sess); err != nil {
		return models.Project{}, err
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return models.Project{}, apperr.Invalid("title", "is required")
	}
	kind := in.Kind
	if kind == "" {
		kind = models.KindIndividual
	}
	if kind != models.KindIndividual && kind != models.KindTeam {
		return models.Project{}, apperr.Invalid("kind", "must be individual or team")
	}

	now := g.now().UTC()
	start := normalizeDay(now)
	if in.StartDate != nil {
		start = normalizeDay(*in.StartDate)
	}
	end := normalizeDay(start.Add(g.projectDuration))
	if in.EndDate != nil {
		end = normalizeDay(*in.EndDate)
	}
	if end.Before(start) {
		return models.Project{}, apperr.Invalid("end_date", "must not be before start_date")
	}

	p = models.Project{
		ID:          uuid.New(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		OwnerID:     sess.UserID,
		Kind:        kind,
		Status:      models.ProjectActive,
		StartDate:   start,
		EndDate:     end,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	st := stage(ctx, store.Projects, p.ID.String(), p)
	ack, err := g.set(ctx, store.Projects, p.ID.String(), store.Patch{
		"title":       p.Title,
		"description": p.Description,
		"owner_id":    p.OwnerID,
		"kind":        p.Kind,
		"status":      p.Status,
		"start_date":  p.StartDate,
		"end_date":    p.EndDate,
	})
	settle(st, ack.UpdatedAt, err)
	if err != nil {
		return models.Project{}, err
	}
	p.CreatedAt, p.UpdatedAt = ack.CreatedAt, ack.UpdatedAt

	if p.IsTeam() {
		if err := g.ensureOwnerMembership(ctx, p, sess.Email); err != nil {
			g.log.WithError(err).WithField("project_id", p.ID).Warn("owner membership missing after project creation")
			return p, &apperr.PartialFailure{
				Op:        "create project",
				Step:      "owner membership",
				StepIndex: 2,
				Steps:     2,
				Completed: []string{"project"},
				Err:       err,
			}
		}
	}
	return p, nil
}

// ensureOwnerMembership writes the owner membership of p. Its id is the
// project id, so repeating the write is harmless.
func (g *Gateway) ensureOwnerMembership(ctx context.Context, p models.Project, email string) error {
	if email == "" {
		if doc, err := g.get(ctx, store.Users, p.OwnerID.String()); err == nil {
			if u, err := decode[models.User](doc); err == nil {
				email = u.Email
			}
		}
	}

	return withAttempts(g.retry, ownerMembershipAttempts).Do(ctx, func() error {
		_, err := g.store.Set(ctx, store.Members, p.ID.String(), store.Patch{
			"project_id": p.ID,
			"user_id":    p.OwnerID,
			"email":      email,
			"role":       models.RoleOwner,
			"status":     models.StatusAccepted,
		})
		return err
	})
}

// UpdateProject changes the given fields. Only the owner may update, and
// the kind and owner of a project never change.
func (g *Gateway) UpdateProject(ctx context.Context, sess session.Session, projectID string, in ProjectPatch) (p models.Project, err error) {
	defer func() { observe("update_project", err) }()

	p, err = g.ownedProject(ctx, sess, projectID)
	if err != nil {
		return models.Project{}, err
	}

	patch := store.Patch{}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return models.Project{}, apperr.Invalid("title", "is required")
		}
		p.Title = title
		patch["title"] = title
	}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
		patch["description"] = p.Description
	}
	if in.Status != nil {
		switch *in.Status {
		case models.ProjectActive, models.ProjectCompleted, models.ProjectArchived:
		default:
			return models.Project{}, apperr.Invalid("status", "must be active, completed or archived")
		}
		p.Status = *in.Status
		patch["status"] = p.Status
	}
	if in.StartDate != nil {
		p.StartDate = normalizeDay(*in.StartDate)
		patch["start_date"] = p.StartDate
	}
	if in.EndDate != nil {
		p.EndDate = normalizeDay(*in.EndDate)
		patch["end_date"] = p.EndDate
	}
	if p.EndDate.Before(p.StartDate) {
		return models.Project{}, apperr.Invalid("end_date", "must not be before start_date")
	}
	if len(patch) == 0 {
		return p, nil
	}

	p.UpdatedAt = g.now().UTC()
	st := stage(ctx, store.Projects, p.ID.String(), p)
	ack, err := g.store.Write(ctx, store.Projects, p.ID.String(), patch)
	settle(st, ack.UpdatedAt, err)
	if err != nil {
		return models.Project{}, err
	}
	p.UpdatedAt = ack.UpdatedAt
	return p, nil
}

// withAttempts returns p with at least n attempts.
func withAttempts(p retry.Policy, n int) retry.Policy {
	if p.Attempts < n {
		p.Attempts = n
	}
	return p
}
