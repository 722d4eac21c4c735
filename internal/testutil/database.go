package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dimitrije/taskflow-api/internal/database"
	"github.com/dimitrije/taskflow-api/internal/hub"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:16-alpine"

// PostgresEnv is a migrated database in a container together with the
// change feed and document store the server would run over it.
type PostgresEnv struct {
	DB    *database.DB
	Feed  *hub.Hub
	Store *store.Postgres
}

// StartPostgres starts a container, runs the migrations and the change
// feed, and stops everything when the test ends.
func StartPostgres(t *testing.T) *PostgresEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "taskflow",
				"POSTGRES_PASSWORD": "taskflow",
				"POSTGRES_DB":       "taskflow",
			},
			// The server restarts once after initdb.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start postgres")

	endpoint, err := container.PortEndpoint(ctx, "5432/tcp", "")
	require.NoError(t, err)

	db, err := database.New(ctx, fmt.Sprintf("postgres://taskflow:taskflow@%s/taskflow?sslmode=disable", endpoint))
	require.NoError(t, err, "connect")
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx), "migrate")

	feed := hub.NewHub()
	go feed.Run(ctx)

	return &PostgresEnv{DB: db, Feed: feed, Store: store.NewPostgres(db, feed)}
}

// User stores a user through the document store and returns its id.
func (e *PostgresEnv) User(t *testing.T, email, name string) uuid.UUID {
	t.Helper()
	return SeedUser(t, e.Store, email, name).UserID
}
