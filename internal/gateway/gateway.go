// Package gateway performs every write of the application. Each operation
// checks its preconditions against the store before writing, stages the
// expected result in the caller's optimistic overlay when there is one,
// and reports multi-step failures explicitly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/metrics"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/retry"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotSignedIn         = apperr.Permission(errors.New("not signed in"))
	ErrNotOwner            = apperr.Permission(errors.New("only the project owner can do this"))
	ErrNoAccess            = apperr.Permission(errors.New("not a member of this project"))
	ErrUserNotFound        = fmt.Errorf("user not found: %w", apperr.ErrNotFound)
	ErrDuplicateInvitation = fmt.Errorf("user already invited or a member: %w", apperr.ErrDuplicate)
	ErrInvitationResolved  = fmt.Errorf("invitation already answered: %w", apperr.ErrDuplicate)
)

// Mailer sends the invitation email. Delivery failures do not fail the
// invitation.
type Mailer interface {
	SendProjectInvite(to, projectTitle, inviterName, inviteURL string) error
}

type Gateway struct {
	store           store.Store
	mailer          Mailer
	log             *logrus.Entry
	now             func() time.Time
	projectDuration time.Duration
	retry           retry.Policy
	baseURL         string
	sessions        *session.Broker
}

type Option func(*Gateway)

func WithMailer(m Mailer) Option {
	return func(g *Gateway) { g.mailer = m }
}

func WithLogger(log *logrus.Entry) Option {
	return func(g *Gateway) { g.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithProjectDuration sets the span given to projects created without an
// end date.
func WithProjectDuration(d time.Duration) Option {
	return func(g *Gateway) { g.projectDuration = d }
}

func WithRetry(p retry.Policy) Option {
	return func(g *Gateway) { g.retry = p }
}

// WithSessions publishes profile changes to b.
func WithSessions(b *session.Broker) Option {
	return func(g *Gateway) { g.sessions = b }
}

func WithBaseURL(url string) Option {
	return func(g *Gateway) { g.baseURL = strings.TrimRight(url, "/") }
}

func New(s store.Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:           s,
		log:             logrus.NewEntry(logrus.StandardLogger()),
		now:             time.Now,
		projectDuration: 30 * 24 * time.Hour,
		retry:           retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func requireSession(sess session.Session) error {
	if !sess.Authenticated() {
		return ErrNotSignedIn
	}
	return nil
}

// read runs an idempotent read with retries.
func (g *Gateway) read(ctx context.Context, d query.Descriptor) ([]store.Document, error) {
	var snap store.Snapshot
	err := g.retry.Do(ctx, func() error {
		var err error
		snap, err = g.store.Read(ctx, d)
		return err
	})
	return snap.Docs, err
}

// readOnce is read without retries, for callers that retry themselves.
func (g *Gateway) readOnce(ctx context.Context, d query.Descriptor) ([]store.Document, error) {
	snap, err := g.store.Read(ctx, d)
	return snap.Docs, err
}

func (g *Gateway) get(ctx context.Context, resource, id string) (store.Document, error) {
	var doc store.Document
	err := g.retry.Do(ctx, func() error {
		var err error
		doc, err = g.store.Get(ctx, resource, id)
		return err
	})
	return doc, err
}

// set and remove are idempotent, so they are retried.
func (g *Gateway) set(ctx context.Context, resource, id string, fields store.Patch) (store.WriteAck, error) {
	var ack store.WriteAck
	err := g.retry.Do(ctx, func() error {
		var err error
		ack, err = g.store.Set(ctx, resource, id, fields)
		return err
	})
	return ack, err
}

func (g *Gateway) remove(ctx context.Context, resource, id string) error {
	return g.retry.Do(ctx, func() error {
		return g.store.Delete(ctx, resource, id)
	})
}

func decode[T any](doc store.Document) (T, error) {
	var v T
	err := doc.Decode(&v)
	return v, err
}

func decodeAll[T any](docs []store.Document, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	return store.DecodeAll[T](docs)
}

func (g *Gateway) project(ctx context.Context, id string) (models.Project, error) {
	doc, err := g.get(ctx, store.Projects, id)
	if err != nil {
		return models.Project{}, err
	}
	return decode[models.Project](doc)
}

// authorize allows the owner and accepted members of p.
func (g *Gateway) authorize(ctx context.Context, sess session.Session, p models.Project) error {
	if p.OwnerID == sess.UserID {
		return nil
	}
	if !p.IsTeam() {
		return ErrNoAccess
	}
	docs, err := g.read(ctx, query.New(store.Members,
		query.Where("project_id", query.Eq, p.ID),
		query.Where("user_id", query.Eq, sess.UserID),
		query.Where("status", query.Eq, models.StatusAccepted),
	))
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return ErrNoAccess
	}
	return nil
}

// accessibleProject loads a project the caller may see. A project the
// caller has no access to is reported as not found.
func (g *Gateway) accessibleProject(ctx context.Context, sess session.Session, id string) (models.Project, error) {
	if err := requireSession(sess); err != nil {
		return models.Project{}, err
	}
	p, err := g.project(ctx, id)
	if err != nil {
		return models.Project{}, err
	}
	if err := g.authorize(ctx, sess, p); err != nil {
		if errors.Is(err, ErrNoAccess) {
			return models.Project{}, apperr.NotFound(fmt.Errorf("project %s", id))
		}
		return models.Project{}, err
	}
	return p, nil
}

func (g *Gateway) ownedProject(ctx context.Context, sess session.Session, id string) (models.Project, error) {
	p, err := g.accessibleProject(ctx, sess, id)
	if err != nil {
		return models.Project{}, err
	}
	if p.OwnerID != sess.UserID {
		return models.Project{}, ErrNotOwner
	}
	return p, nil
}

func observe(op string, err error) {
	metrics.Mutation(op, apperr.Kind(err))
}

func normalizeDay(t time.Time) time.Time {
	return models.StartOfDay(t)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func parseID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store returned invalid id %q: %w", id, err)
	}
	return parsed, nil
}
