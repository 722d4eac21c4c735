package viewmodel

import (
	"context"
	"strings"
	"time"

	"github.com/dimitrije/taskflow-api/internal/aggregate"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/google/uuid"
)

// WatchInvitations emits the pending invitations addressed to the user,
// newest first.
func (v *Views) WatchInvitations(ctx context.Context, emit func(aggregate.View[models.Invitation])) (stop func(), err error) {
	sess := v.Session()
	if !sess.Authenticated() {
		return nil, gateway.ErrNotSignedIn
	}

	w := newView(v, store.Invitations, aggregate.Config[models.Invitation]{
		ID:        func(i models.Invitation) string { return i.ID.String() },
		UpdatedAt: func(i models.Invitation) time.Time { return i.UpdatedAt },
		Order: aggregate.Order[models.Invitation]{
			Compare:    func(a, b models.Invitation) int { return a.CreatedAt.Compare(b.CreatedAt) },
			Descending: true,
		},
		OnChange: emit,
	}, func(i models.Invitation) bool {
		return i.InviteeID == sess.UserID && i.IsPending()
	})
	pending := w.agg.Input("pending")

	stop, err = v.register(w)
	if err != nil {
		return nil, err
	}
	if _, err := w.follow(ctx, query.New(store.Invitations,
		query.Where("invitee_id", query.Eq, sess.UserID),
		query.Where("status", query.Eq, models.StatusPending)), pending); err != nil {
		stop()
		return nil, err
	}
	return stop, nil
}

// WatchMembers emits the accepted members of a project, owner first. The
// caller checks access to the project before watching.
func (v *Views) WatchMembers(ctx context.Context, projectID uuid.UUID, emit func(aggregate.View[models.Membership])) (stop func(), err error) {
	if !v.Session().Authenticated() {
		return nil, gateway.ErrNotSignedIn
	}

	w := newView(v, store.Members, aggregate.Config[models.Membership]{
		ID:        func(m models.Membership) string { return m.ID.String() },
		UpdatedAt: func(m models.Membership) time.Time { return m.UpdatedAt },
		Order: aggregate.Order[models.Membership]{Compare: func(a, b models.Membership) int {
			if a.Role != b.Role {
				if a.Role == models.RoleOwner {
					return -1
				}
				if b.Role == models.RoleOwner {
					return 1
				}
			}
			return strings.Compare(a.Email, b.Email)
		}},
		OnChange: emit,
	}, func(m models.Membership) bool {
		return m.ProjectID == projectID && m.Status == models.StatusAccepted
	})
	accepted := w.agg.Input("accepted")

	stop, err = v.register(w)
	if err != nil {
		return nil, err
	}
	if _, err := w.follow(ctx, query.New(store.Members,
		query.Where("project_id", query.Eq, projectID),
		query.Where("status", query.Eq, models.StatusAccepted)), accepted); err != nil {
		stop()
		return nil, err
	}
	return stop, nil
}
