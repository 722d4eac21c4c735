package middleware

import (
	"strings"

	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/m1z23r/drift/pkg/drift"
)

const SessionKey = "session"

// Authenticator turns an access token into a session.
type Authenticator interface {
	Authenticate(token string) (session.Session, error)
}

// Auth requires a bearer access token. Browsers cannot set headers on an
// EventSource, so the token is also accepted as the access_token query
// parameter.
func Auth(auth Authenticator) drift.HandlerFunc {
	return func(c *drift.Context) {
		token, msg := bearerToken(c)
		if token == "" {
			c.Unauthorized(msg)
			return
		}

		sess, err := auth.Authenticate(token)
		if err != nil {
			c.Unauthorized("invalid or expired token")
			return
		}

		c.Set(SessionKey, sess)
		c.Request = c.Request.WithContext(session.NewContext(c.Request.Context(), sess))

		c.Next()
	}
}

func bearerToken(c *drift.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.QueryParam("access_token"); token != "" {
			return token, ""
		}
		return "", "missing authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", "invalid authorization header format"
	}
	return parts[1], ""
}

// GetSession returns the session set by Auth, or session.Anonymous.
func GetSession(c *drift.Context) session.Session {
	if v, ok := c.Get(SessionKey); ok {
		if sess, ok := v.(session.Session); ok {
			return sess
		}
	}
	return session.Anonymous
}
