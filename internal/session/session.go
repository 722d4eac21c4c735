// Package session carries the current identity explicitly. Every service
// that acts on behalf of a user takes a Session value instead of looking
// the user up from ambient state.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID          uuid.UUID `json:"session_id"`
	UserID      uuid.UUID `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Anonymous is the zero session.
var Anonymous = Session{}

func (s Session) Authenticated() bool {
	return s.UserID != uuid.Nil
}

// SameIdentity reports whether both sessions belong to the same user.
func (s Session) SameIdentity(other Session) bool {
	return s.UserID == other.UserID
}

type ctxKey struct{}

func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored in ctx, or Anonymous.
func FromContext(ctx context.Context) Session {
	s, _ := ctx.Value(ctxKey{}).(Session)
	return s
}
