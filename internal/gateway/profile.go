package gateway

import (
	"context"
	"net/url"
	"strings"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
)

type ProfilePatch struct {
	DisplayName *string
	// AvatarURL set to "" removes the avatar.
	AvatarURL *string
}

// UpdateProfile changes the caller's display name or avatar. Connections
// of the same user are told through the session broker.
func (g *Gateway) UpdateProfile(ctx context.Context, sess session.Session, in ProfilePatch) (u models.User, err error) {
	defer func() { observe("update_profile", err) }()

	if err := requireSession(sess); err != nil {
		return models.User{}, err
	}
	doc, err := g.get(ctx, store.Users, sess.UserID.String())
	if err != nil {
		return models.User{}, err
	}
	u, err = decode[models.User](doc)
	if err != nil {
		return models.User{}, err
	}

	patch := store.Patch{}
	if in.DisplayName != nil {
		name := strings.TrimSpace(*in.DisplayName)
		if name == "" {
			return models.User{}, apperr.Invalid("display_name", "is required")
		}
		u.DisplayName = name
		patch["display_name"] = name
	}
	if in.AvatarURL != nil {
		avatar := strings.TrimSpace(*in.AvatarURL)
		if avatar == "" {
			u.AvatarURL = nil
			patch["avatar_url"] = nil
		} else {
			if parsed, err := url.Parse(avatar); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return models.User{}, apperr.Invalid("avatar_url", "must be an http or https URL")
			}
			u.AvatarURL = &avatar
			patch["avatar_url"] = avatar
		}
	}
	if len(patch) == 0 {
		return u, nil
	}

	u.UpdatedAt = g.now().UTC()
	st := stage(ctx, store.Users, u.ID.String(), u)
	ack, err := g.store.Write(ctx, store.Users, u.ID.String(), patch)
	settle(st, ack.UpdatedAt, err)
	if err != nil {
		return models.User{}, err
	}
	u.UpdatedAt = ack.UpdatedAt

	if g.sessions != nil {
		next := sess
		next.DisplayName = u.DisplayName
		g.sessions.Publish(session.Event{
			Kind:    session.ProfileUpdated,
			UserID:  u.ID,
			Session: next,
			At:      u.UpdatedAt,
		})
	}
	return u, nil
}
