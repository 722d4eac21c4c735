package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/middleware"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/services"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/testutil"
	"github.com/google/uuid"
	"github.com/m1z23r/drift/pkg/drift"
	driftmw "github.com/m1z23r/drift/pkg/middleware"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

const testToken = "valid-token"

// MockAuthService mocks the AuthService
type MockAuthService struct {
	mock.Mock
}

func (m *MockAuthService) Register(ctx context.Context, email, password, displayName string) (*services.Result, error) {
	args := m.Called(ctx, email, password, displayName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.Result), args.Error(1)
}

func (m *MockAuthService) Login(ctx context.Context, email, password string) (*services.Result, error) {
	args := m.Called(ctx, email, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.Result), args.Error(1)
}

func (m *MockAuthService) Refresh(ctx context.Context, refreshToken string) (*services.Result, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.Result), args.Error(1)
}

func (m *MockAuthService) Logout(ctx context.Context, sess session.Session, refreshToken string) error {
	return m.Called(ctx, sess, refreshToken).Error(0)
}

func (m *MockAuthService) LogoutAll(ctx context.Context, sess session.Session) error {
	return m.Called(ctx, sess).Error(0)
}

// MockGateway mocks the mutation gateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Me(ctx context.Context, sess session.Session) (models.User, error) {
	args := m.Called(ctx, sess)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *MockGateway) UpdateProfile(ctx context.Context, sess session.Session, in gateway.ProfilePatch) (models.User, error) {
	args := m.Called(ctx, sess, in)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *MockGateway) ListProjects(ctx context.Context, sess session.Session) ([]models.Project, error) {
	args := m.Called(ctx, sess)
	projects, _ := args.Get(0).([]models.Project)
	return projects, args.Error(1)
}

func (m *MockGateway) Project(ctx context.Context, sess session.Session, projectID string) (models.Project, error) {
	args := m.Called(ctx, sess, projectID)
	return args.Get(0).(models.Project), args.Error(1)
}

func (m *MockGateway) CreateProject(ctx context.Context, sess session.Session, in gateway.ProjectInput) (models.Project, error) {
	args := m.Called(ctx, sess, in)
	return args.Get(0).(models.Project), args.Error(1)
}

func (m *MockGateway) UpdateProject(ctx context.Context, sess session.Session, projectID string, in gateway.ProjectPatch) (models.Project, error) {
	args := m.Called(ctx, sess, projectID, in)
	return args.Get(0).(models.Project), args.Error(1)
}

func (m *MockGateway) DeleteProject(ctx context.Context, sess session.Session, projectID string) error {
	return m.Called(ctx, sess, projectID).Error(0)
}

func (m *MockGateway) RepairProject(ctx context.Context, sess session.Session, projectID string) (gateway.RepairReport, error) {
	args := m.Called(ctx, sess, projectID)
	return args.Get(0).(gateway.RepairReport), args.Error(1)
}

func (m *MockGateway) Tasks(ctx context.Context, sess session.Session, projectID string) ([]models.Task, error) {
	args := m.Called(ctx, sess, projectID)
	tasks, _ := args.Get(0).([]models.Task)
	return tasks, args.Error(1)
}

func (m *MockGateway) CreateTask(ctx context.Context, sess session.Session, projectID string, in gateway.TaskInput) (models.Task, error) {
	args := m.Called(ctx, sess, projectID, in)
	return args.Get(0).(models.Task), args.Error(1)
}

func (m *MockGateway) UpdateTask(ctx context.Context, sess session.Session, taskID string, in gateway.TaskPatch) (models.Task, error) {
	args := m.Called(ctx, sess, taskID, in)
	return args.Get(0).(models.Task), args.Error(1)
}

func (m *MockGateway) DeleteTask(ctx context.Context, sess session.Session, taskID string) error {
	return m.Called(ctx, sess, taskID).Error(0)
}

func (m *MockGateway) ToggleTaskCompletion(ctx context.Context, sess session.Session, taskID string) (models.Task, error) {
	args := m.Called(ctx, sess, taskID)
	return args.Get(0).(models.Task), args.Error(1)
}

func (m *MockGateway) Members(ctx context.Context, sess session.Session, projectID string) ([]models.Membership, error) {
	args := m.Called(ctx, sess, projectID)
	members, _ := args.Get(0).([]models.Membership)
	return members, args.Error(1)
}

func (m *MockGateway) InviteMember(ctx context.Context, sess session.Session, projectID, email string) (models.Invitation, error) {
	args := m.Called(ctx, sess, projectID, email)
	return args.Get(0).(models.Invitation), args.Error(1)
}

func (m *MockGateway) PendingInvitations(ctx context.Context, sess session.Session) ([]models.Invitation, error) {
	args := m.Called(ctx, sess)
	invitations, _ := args.Get(0).([]models.Invitation)
	return invitations, args.Error(1)
}

func (m *MockGateway) RespondToInvitation(ctx context.Context, sess session.Session, invitationID string, accept bool) (models.Invitation, error) {
	args := m.Called(ctx, sess, invitationID, accept)
	return args.Get(0).(models.Invitation), args.Error(1)
}

// tokenAuth accepts testToken only.
type tokenAuth struct {
	sess session.Session
}

func (a tokenAuth) Authenticate(token string) (session.Session, error) {
	if token != testToken {
		return session.Anonymous, errors.New("invalid token")
	}
	return a.sess, nil
}

func testSession() session.Session {
	return session.Session{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Email:       "ana@example.com",
		DisplayName: "Ana",
		IssuedAt:    time.Now(),
	}
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

type route struct {
	method  string
	path    string
	handler drift.HandlerFunc
}

// newTestApp serves routes behind the auth middleware and returns a client
// already carrying a valid token.
func newTestApp(t *testing.T, sess session.Session, routes ...route) *testutil.HTTPTestClient {
	t.Helper()
	app := drift.New()
	app.Use(driftmw.BodyParser())
	app.Use(middleware.Auth(tokenAuth{sess: sess}))
	for _, r := range routes {
		switch r.method {
		case http.MethodGet:
			app.Get(r.path, r.handler)
		case http.MethodPost:
			app.Post(r.path, r.handler)
		case http.MethodPatch:
			app.Patch(r.path, r.handler)
		case http.MethodDelete:
			app.Delete(r.path, r.handler)
		default:
			t.Fatalf("unsupported method %s", r.method)
		}
	}
	return testutil.NewHTTPTestClient(t, app).WithToken(testToken)
}
