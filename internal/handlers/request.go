package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/middleware"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/m1z23r/drift/pkg/drift"
)

// ClientIDHeader names the live connection a write is made from. Its views
// show the write before the store confirms it.
const ClientIDHeader = "X-Client-ID"

func requireSession(c *drift.Context) (session.Session, bool) {
	sess := middleware.GetSession(c)
	if !sess.Authenticated() {
		c.Unauthorized("not authenticated")
		return session.Anonymous, false
	}
	return sess, true
}

// parseDate accepts a calendar day or an RFC 3339 timestamp. An empty
// string yields nil.
func parseDate(field, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, apperr.Invalid(field, "must be YYYY-MM-DD or an RFC 3339 timestamp")
	}
	return &t, nil
}

func optionalDate(field string, s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	return parseDate(field, *s)
}

func optimistic(c *drift.Context, stagers StagerLookup, sess session.Session) context.Context {
	ctx := c.Request.Context()
	if stagers == nil {
		return ctx
	}
	return gateway.WithOptimistic(ctx, stagers.Stager(c.GetHeader(ClientIDHeader), sess.UserID))
}
