package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
)

// InviteMember invites the user registered under email to a team project
// owned by the caller. It fails with ErrUserNotFound when no such user
// exists and with ErrDuplicateInvitation when the user already has an open
// invitation or an accepted membership. Rejected invitations do not count,
// so a rejected user can be invited again.
func (g *Gateway) InviteMember(ctx context.Context, sess session.Session, projectID, email string) (inv models.Invitation, err error) {
	defer func() { observe("invite_member", err) }()

	email = normalizeEmail(email)
	if email == "" {
		return models.Invitation{}, apperr.Invalid("email", "is required")
	}
	if email == normalizeEmail(sess.Email) {
		return models.Invitation{}, apperr.Invalid("email", "cannot invite yourself")
	}

	p, err := g.ownedProject(ctx, sess, projectID)
	if err != nil {
		return models.Invitation{}, err
	}
	if !p.IsTeam() {
		return models.Invitation{}, apperr.Invalid("project_id", "only team projects have members")
	}

	users, err := decodeAll[models.User](g.read(ctx, query.New(store.Users, query.Where("email", query.Eq, email))))
	if err != nil {
		return models.Invitation{}, err
	}
	if len(users) == 0 {
		return models.Invitation{}, ErrUserNotFound
	}
	invitee := users[0]
	if invitee.ID == sess.UserID {
		return models.Invitation{}, apperr.Invalid("email", "cannot invite yourself")
	}

	open, err := g.read(ctx, query.New(store.Invitations,
		query.Where("project_id", query.Eq, p.ID),
		query.Where("invitee_id", query.Eq, invitee.ID),
		query.Where("status", query.In, []string{models.StatusPending, models.StatusAccepted}),
	))
	if err != nil {
		return models.Invitation{}, err
	}
	if len(open) > 0 {
		return models.Invitation{}, ErrDuplicateInvitation
	}

	members, err := g.read(ctx, query.New(store.Members,
		query.Where("project_id", query.Eq, p.ID),
		query.Where("user_id", query.Eq, invitee.ID),
		query.Where("status", query.Eq, models.StatusAccepted),
	))
	if err != nil {
		return models.Invitation{}, err
	}
	if len(members) > 0 {
		return models.Invitation{}, ErrDuplicateInvitation
	}

	inv = models.Invitation{
		ProjectID:    p.ID,
		InviteeID:    invitee.ID,
		InviteeEmail: invitee.Email,
		InviterID:    sess.UserID,
		Status:       models.StatusPending,
	}
	// A create is not idempotent, so it is not retried.
	ack, err := g.store.Write(ctx, store.Invitations, "", store.Patch{
		"project_id":    inv.ProjectID,
		"invitee_id":    inv.InviteeID,
		"invitee_email": inv.InviteeEmail,
		"inviter_id":    inv.InviterID,
		"status":        inv.Status,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			return models.Invitation{}, ErrDuplicateInvitation
		}
		return models.Invitation{}, err
	}
	inv.ID, err = parseID(ack.ID)
	if err != nil {
		return models.Invitation{}, err
	}
	inv.CreatedAt, inv.UpdatedAt = ack.CreatedAt, ack.UpdatedAt

	g.notifyInvitee(inv, p, sess)
	return inv, nil
}

func (g *Gateway) notifyInvitee(inv models.Invitation, p models.Project, sess session.Session) {
	if g.mailer == nil {
		return
	}
	inviter := sess.DisplayName
	if inviter == "" {
		inviter = sess.Email
	}
	url := fmt.Sprintf("%s/invitations/%s", g.baseURL, inv.ID)
	if err := g.mailer.SendProjectInvite(inv.InviteeEmail, p.Title, inviter, url); err != nil {
		g.log.WithError(err).WithField("invitation_id", inv.ID).Warn("failed to send invitation email")
	}
}

// RespondToInvitation accepts or rejects a pending invitation addressed to
// the caller. Accepting creates the membership, whose id is the invitation
// id, and then marks the invitation accepted. Answered invitations fail
// with ErrInvitationResolved.
func (g *Gateway) RespondToInvitation(ctx context.Context, sess session.Session, invitationID string, accept bool) (inv models.Invitation, err error) {
	defer func() { observe("respond_to_invitation", err) }()

	if err := requireSession(sess); err != nil {
		return models.Invitation{}, err
	}

	doc, err := g.get(ctx, store.Invitations, invitationID)
	if err != nil {
		return models.Invitation{}, err
	}
	inv, err = decode[models.Invitation](doc)
	if err != nil {
		return models.Invitation{}, err
	}
	if inv.InviteeID != sess.UserID {
		// Someone else's invitation is invisible to the caller.
		return models.Invitation{}, apperr.NotFound(fmt.Errorf("invitation %s", invitationID))
	}
	if !inv.IsPending() {
		return models.Invitation{}, ErrInvitationResolved
	}

	status := models.StatusRejected
	completed := []string(nil)
	if accept {
		status = models.StatusAccepted
		if _, err := g.project(ctx, inv.ProjectID.String()); err != nil {
			return models.Invitation{}, err
		}
		if _, err := g.set(ctx, store.Members, inv.ID.String(), store.Patch{
			"project_id": inv.ProjectID,
			"user_id":    inv.InviteeID,
			"email":      inv.InviteeEmail,
			"role":       models.RoleMember,
			"status":     models.StatusAccepted,
		}); err != nil {
			return models.Invitation{}, err
		}
		completed = []string{"membership"}
	}

	now := g.now().UTC()
	inv.Status = status
	inv.RespondedAt = &now
	inv.UpdatedAt = now

	st := stage(ctx, store.Invitations, inv.ID.String(), inv)
	// Writing the same terminal status twice is harmless, so this update is
	// retried like an idempotent write.
	var ack store.WriteAck
	err = g.retry.Do(ctx, func() error {
		var err error
		ack, err = g.store.Write(ctx, store.Invitations, inv.ID.String(), store.Patch{
			"status":       status,
			"responded_at": now,
		})
		return err
	})
	settle(st, ack.UpdatedAt, err)
	if err != nil {
		if accept {
			return models.Invitation{}, &apperr.PartialFailure{
				Op:        "accept invitation",
				Step:      "invitation status",
				StepIndex: 2,
				Steps:     2,
				Completed: completed,
				Err:       err,
			}
		}
		return models.Invitation{}, err
	}
	inv.UpdatedAt = ack.UpdatedAt
	return inv, nil
}
