package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dimitrije/taskflow-api/internal/aggregate"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// One-shot reads for the REST endpoints. Live views are served by the
// viewmodel package; these apply the same access rule.

func (g *Gateway) Me(ctx context.Context, sess session.Session) (models.User, error) {
	if err := requireSession(sess); err != nil {
		return models.User{}, err
	}
	doc, err := g.get(ctx, store.Users, sess.UserID.String())
	if err != nil {
		return models.User{}, err
	}
	return decode[models.User](doc)
}

func (g *Gateway) Project(ctx context.Context, sess session.Session, projectID string) (models.Project, error) {
	return g.accessibleProject(ctx, sess, projectID)
}

// ProjectConfig is the aggregate configuration shared by every merged
// project list: case-insensitive title order, newest update wins.
func ProjectConfig(emit func(aggregate.View[models.Project])) aggregate.Config[models.Project] {
	return aggregate.Config[models.Project]{
		ID:        func(p models.Project) string { return p.ID.String() },
		UpdatedAt: func(p models.Project) time.Time { return p.UpdatedAt },
		Order: aggregate.Order[models.Project]{Compare: func(a, b models.Project) int {
			return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		}},
		OnChange: emit,
	}
}

// ListProjects returns the projects the caller owns or has joined as one
// title-ordered list.
func (g *Gateway) ListProjects(ctx context.Context, sess session.Session) ([]models.Project, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}

	cfg := ProjectConfig(nil)
	cfg.Retry = g.retry
	agg := aggregate.New(cfg)
	defer agg.Close()
	owned, member := agg.Input("owned"), agg.Input("member")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return owned.Load(egCtx, func(ctx context.Context) ([]models.Project, error) {
			return decodeAll[models.Project](g.readOnce(ctx, query.New(store.Projects,
				query.Where("owner_id", query.Eq, sess.UserID))))
		})
	})
	eg.Go(func() error {
		return member.Load(egCtx, func(ctx context.Context) ([]models.Project, error) {
			return g.joinedProjects(ctx, sess)
		})
	})
	if err := eg.Wait(); err != nil {
		if errors.Is(err, aggregate.ErrDiscarded) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return agg.View().Items, nil
}

// joinedProjects reads the projects behind the caller's accepted
// memberships. Owner memberships are skipped; the owned input has those.
func (g *Gateway) joinedProjects(ctx context.Context, sess session.Session) ([]models.Project, error) {
	memberships, err := decodeAll[models.Membership](g.readOnce(ctx, query.New(store.Members,
		query.Where("user_id", query.Eq, sess.UserID),
		query.Where("status", query.Eq, models.StatusAccepted))))
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool, len(memberships))
	var ids []string
	for _, m := range memberships {
		if m.Role == models.RoleOwner || seen[m.ProjectID] {
			continue
		}
		seen[m.ProjectID] = true
		ids = append(ids, m.ProjectID.String())
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return decodeAll[models.Project](g.readOnce(ctx, query.New(store.Projects,
		query.Where("id", query.In, ids))))
}

func (g *Gateway) Tasks(ctx context.Context, sess session.Session, projectID string) ([]models.Task, error) {
	p, err := g.accessibleProject(ctx, sess, projectID)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Task](g.read(ctx, query.New(store.Tasks,
		query.Where("project_id", query.Eq, p.ID)).Ordered("created_at", false)))
}

// Members lists the accepted members of a project, owner included.
func (g *Gateway) Members(ctx context.Context, sess session.Session, projectID string) ([]models.Membership, error) {
	p, err := g.accessibleProject(ctx, sess, projectID)
	if err != nil {
		return nil, err
	}
	return decodeAll[models.Membership](g.read(ctx, query.New(store.Members,
		query.Where("project_id", query.Eq, p.ID),
		query.Where("status", query.Eq, models.StatusAccepted)).Ordered("email", false)))
}

// PendingInvitations lists the open invitations addressed to the caller,
// newest first.
func (g *Gateway) PendingInvitations(ctx context.Context, sess session.Session) ([]models.Invitation, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	return decodeAll[models.Invitation](g.read(ctx, query.New(store.Invitations,
		query.Where("invitee_id", query.Eq, sess.UserID),
		query.Where("status", query.Eq, models.StatusPending)).Ordered("created_at", true)))
}
