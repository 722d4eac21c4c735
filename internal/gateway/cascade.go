package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/google/uuid"
)

type cascadeStep struct {
	name     string
	resource string
}

// Children are deleted before the project, in this order.
var cascadeSteps = []cascadeStep{
	{name: "tasks", resource: store.Tasks},
	{name: "memberships", resource: store.Members},
	{name: "invitations", resource: store.Invitations},
}

// DeleteProject removes a project with its tasks, memberships and
// invitations. Only the owner may delete. When a step fails the returned
// *apperr.PartialFailure names it and lists the steps already done. Every
// step is idempotent, so calling DeleteProject again finishes the job.
func (g *Gateway) DeleteProject(ctx context.Context, sess session.Session, projectID string) (err error) {
	defer func() { observe("delete_project", err) }()

	p, err := g.ownedProject(ctx, sess, projectID)
	if err != nil {
		return err
	}

	st := stage(ctx, store.Projects, p.ID.String(), nil)
	err = g.cascade(ctx, p.ID, true)
	settle(st, g.now().UTC(), err)
	if err != nil {
		g.log.WithError(err).WithField("project_id", p.ID).Warn("project delete incomplete")
	}
	return err
}

// cascade deletes the children of projectID, then the project itself when
// withProject is set.
func (g *Gateway) cascade(ctx context.Context, projectID uuid.UUID, withProject bool) error {
	total := len(cascadeSteps)
	if withProject {
		total++
	}
	completed := make([]string, 0, total)
	fail := func(i int, step string, err error) error {
		return &apperr.PartialFailure{
			Op:        "delete project",
			Step:      step,
			StepIndex: i + 1,
			Steps:     total,
			Completed: completed,
			Err:       err,
		}
	}

	for i, step := range cascadeSteps {
		if _, err := g.deleteChildren(ctx, step.resource, projectID); err != nil {
			return fail(i, step.name, err)
		}
		completed = append(completed, step.name)
	}
	if withProject {
		if err := g.remove(ctx, store.Projects, projectID.String()); err != nil {
			return fail(len(cascadeSteps), "project", err)
		}
	}
	return nil
}

func (g *Gateway) deleteChildren(ctx context.Context, resource string, projectID uuid.UUID) (int, error) {
	docs, err := g.read(ctx, query.New(resource, query.Where("project_id", query.Eq, projectID)))
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		if err := g.remove(ctx, resource, doc.ID); err != nil {
			return 0, fmt.Errorf("delete %s %s: %w", resource, doc.ID, err)
		}
	}
	return len(docs), nil
}

type RepairReport struct {
	ProjectID          uuid.UUID `json:"project_id"`
	ProjectExists      bool      `json:"project_exists"`
	TasksDeleted       int       `json:"tasks_deleted"`
	MembershipsDeleted int       `json:"memberships_deleted"`
	InvitationsDeleted int       `json:"invitations_deleted"`
	OwnerMembership    bool      `json:"owner_membership_written"`
}

// RepairProject finishes an interrupted delete or a project created
// without its owner membership. For an existing project only the owner may
// repair. For a deleted one the caller must appear in what is left: as the
// owner membership, a task author or an inviter.
func (g *Gateway) RepairProject(ctx context.Context, sess session.Session, projectID string) (r RepairReport, err error) {
	defer func() { observe("repair_project", err) }()

	if err := requireSession(sess); err != nil {
		return RepairReport{}, err
	}
	id, err := uuid.Parse(projectID)
	if err != nil {
		return RepairReport{}, apperr.Invalid("project_id", "must be a uuid")
	}

	p, err := g.project(ctx, projectID)
	switch {
	case err == nil:
		if p.OwnerID != sess.UserID {
			if _, err := g.accessibleProject(ctx, sess, projectID); err != nil {
				return RepairReport{}, err
			}
			return RepairReport{}, ErrNotOwner
		}
	case errors.Is(err, apperr.ErrNotFound):
		ok, err := g.leftBy(ctx, id, sess.UserID)
		if err != nil {
			return RepairReport{}, err
		}
		if !ok {
			return RepairReport{}, apperr.NotFound(fmt.Errorf("project %s", projectID))
		}
	default:
		return RepairReport{}, err
	}
	return g.Repair(ctx, id)
}

// Repair is RepairProject without access checks, for maintenance tools.
// Running it twice has the same effect as running it once.
func (g *Gateway) Repair(ctx context.Context, projectID uuid.UUID) (RepairReport, error) {
	r := RepairReport{ProjectID: projectID}

	p, err := g.project(ctx, projectID.String())
	switch {
	case err == nil:
		r.ProjectExists = true
		if !p.IsTeam() {
			return r, nil
		}
		owners, err := g.read(ctx, query.New(store.Members,
			query.Where("project_id", query.Eq, p.ID),
			query.Where("user_id", query.Eq, p.OwnerID),
			query.Where("status", query.Eq, models.StatusAccepted),
		))
		if err != nil {
			return r, err
		}
		if len(owners) > 0 {
			return r, nil
		}
		if err := g.ensureOwnerMembership(ctx, p, ""); err != nil {
			return r, err
		}
		r.OwnerMembership = true
		g.log.WithField("project_id", p.ID).Info("owner membership restored")
		return r, nil
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return r, err
	}

	counts := []*int{&r.TasksDeleted, &r.MembershipsDeleted, &r.InvitationsDeleted}
	for i, step := range cascadeSteps {
		n, err := g.deleteChildren(ctx, step.resource, projectID)
		if err != nil {
			return r, err
		}
		*counts[i] = n
	}
	if n := r.TasksDeleted + r.MembershipsDeleted + r.InvitationsDeleted; n > 0 {
		g.log.WithField("project_id", projectID).WithField("deleted", n).Info("orphaned documents removed")
	}
	return r, nil
}

// leftBy reports whether userID is the owner, a task author or an inviter
// in the documents left behind by a deleted project.
func (g *Gateway) leftBy(ctx context.Context, projectID, userID uuid.UUID) (bool, error) {
	checks := []query.Descriptor{
		query.New(store.Members,
			query.Where("project_id", query.Eq, projectID),
			query.Where("user_id", query.Eq, userID),
			query.Where("role", query.Eq, models.RoleOwner)),
		query.New(store.Tasks,
			query.Where("project_id", query.Eq, projectID),
			query.Where("created_by", query.Eq, userID)),
		query.New(store.Invitations,
			query.Where("project_id", query.Eq, projectID),
			query.Where("inviter_id", query.Eq, userID)),
	}
	for _, d := range checks {
		docs, err := g.read(ctx, d)
		if err != nil {
			return false, err
		}
		if len(docs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Orphans returns the ids of deleted projects that still have tasks,
// memberships or invitations, sorted.
func (g *Gateway) Orphans(ctx context.Context) ([]uuid.UUID, error) {
	referenced := map[uuid.UUID]struct{}{}
	for _, step := range cascadeSteps {
		docs, err := g.read(ctx, query.New(step.resource))
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			raw, _ := doc.Fields["project_id"].(string)
			id, err := uuid.Parse(raw)
			if err != nil {
				continue
			}
			referenced[id] = struct{}{}
		}
	}
	if len(referenced) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(referenced))
	for id := range referenced {
		ids = append(ids, id.String())
	}
	live, err := g.read(ctx, query.New(store.Projects, query.Where("id", query.In, ids)))
	if err != nil {
		return nil, err
	}
	for _, doc := range live {
		if id, err := uuid.Parse(doc.ID); err == nil {
			delete(referenced, id)
		}
	}

	out := make([]uuid.UUID, 0, len(referenced))
	for id := range referenced {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
