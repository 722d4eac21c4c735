package handlers

import (
	"context"

	"github.com/dimitrije/taskflow-api/internal/aggregate"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/services"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/viewmodel"
	"github.com/google/uuid"
)

// AuthServiceInterface defines the methods used by handlers from AuthService
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password, displayName string) (*services.Result, error)
	Login(ctx context.Context, email, password string) (*services.Result, error)
	Refresh(ctx context.Context, refreshToken string) (*services.Result, error)
	Logout(ctx context.Context, sess session.Session, refreshToken string) error
	LogoutAll(ctx context.Context, sess session.Session) error
}

// GatewayInterface defines the reads and writes handlers perform through
// the mutation gateway
type GatewayInterface interface {
	Me(ctx context.Context, sess session.Session) (models.User, error)
	UpdateProfile(ctx context.Context, sess session.Session, in gateway.ProfilePatch) (models.User, error)

	ListProjects(ctx context.Context, sess session.Session) ([]models.Project, error)
	Project(ctx context.Context, sess session.Session, projectID string) (models.Project, error)
	CreateProject(ctx context.Context, sess session.Session, in gateway.ProjectInput) (models.Project, error)
	UpdateProject(ctx context.Context, sess session.Session, projectID string, in gateway.ProjectPatch) (models.Project, error)
	DeleteProject(ctx context.Context, sess session.Session, projectID string) error
	RepairProject(ctx context.Context, sess session.Session, projectID string) (gateway.RepairReport, error)

	Tasks(ctx context.Context, sess session.Session, projectID string) ([]models.Task, error)
	CreateTask(ctx context.Context, sess session.Session, projectID string, in gateway.TaskInput) (models.Task, error)
	UpdateTask(ctx context.Context, sess session.Session, taskID string, in gateway.TaskPatch) (models.Task, error)
	DeleteTask(ctx context.Context, sess session.Session, taskID string) error
	ToggleTaskCompletion(ctx context.Context, sess session.Session, taskID string) (models.Task, error)

	Members(ctx context.Context, sess session.Session, projectID string) ([]models.Membership, error)
	InviteMember(ctx context.Context, sess session.Session, projectID, email string) (models.Invitation, error)
	PendingInvitations(ctx context.Context, sess session.Session) ([]models.Invitation, error)
	RespondToInvitation(ctx context.Context, sess session.Session, invitationID string, accept bool) (models.Invitation, error)
}

// StagerLookup finds the view models of a live connection so writes made
// on its behalf are staged in them.
type StagerLookup interface {
	Stager(clientID string, userID uuid.UUID) gateway.Stager
}

// ViewSource is what a live connection watches. *viewmodel.Views
// implements it.
type ViewSource interface {
	WatchProjects(ctx context.Context, emit func(aggregate.View[models.Project])) (func(), error)
	WatchTasks(ctx context.Context, projectID uuid.UUID, sortKey string, emit func(viewmodel.Board)) (func(), error)
	WatchAgenda(ctx context.Context, emit func(viewmodel.Board)) (func(), error)
	WatchInvitations(ctx context.Context, emit func(aggregate.View[models.Invitation])) (func(), error)
	WatchMembers(ctx context.Context, projectID uuid.UUID, emit func(aggregate.View[models.Membership])) (func(), error)
}

var _ ViewSource = (*viewmodel.Views)(nil)
