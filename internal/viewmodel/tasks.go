package viewmodel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dimitrije/taskflow-api/internal/aggregate"
	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/dimitrije/taskflow-api/internal/subscription"
	"github.com/google/uuid"
)

// Board is the task list of one project with its statistics. Stats is nil
// until both the tasks and the project have loaded.
type Board struct {
	aggregate.View[models.Task]
	Project *models.Project
	Stats   *models.TaskStats
}

func taskConfig(sortKey string, emit func(aggregate.View[models.Task])) (aggregate.Config[models.Task], error) {
	if sortKey == "" {
		sortKey = models.SortCreated
	}
	compare := models.CompareTasks(sortKey)
	if compare == nil {
		return aggregate.Config[models.Task]{}, apperr.Invalid("sort", fmt.Sprintf("unknown sort key %q", sortKey))
	}
	return aggregate.Config[models.Task]{
		ID:        func(t models.Task) string { return t.ID.String() },
		UpdatedAt: func(t models.Task) time.Time { return t.UpdatedAt },
		Order:     aggregate.Order[models.Task]{Compare: compare},
		OnChange:  emit,
	}, nil
}

// WatchTasks emits the board of a project. The caller checks access to the
// project before watching. When the project is deleted the board turns
// degraded with a not-found error under "project".
func (v *Views) WatchTasks(ctx context.Context, projectID uuid.UUID, sortKey string, emit func(Board)) (stop func(), err error) {
	if !v.Session().Authenticated() {
		return nil, gateway.ErrNotSignedIn
	}

	b := &board{emit: emit, now: v.now}
	cfg, err := taskConfig(sortKey, b.tasksChanged)
	if err != nil {
		return nil, err
	}
	w := newView(v, store.Tasks, cfg, func(t models.Task) bool { return t.ProjectID == projectID })
	tasks := w.agg.Input("tasks")

	stop, err = v.register(w)
	if err != nil {
		return nil, err
	}
	if _, err := w.subscribe(ctx, query.New(store.Projects, query.Where("id", query.Eq, projectID)), b.projectChanged); err != nil {
		stop()
		return nil, err
	}
	if _, err := w.follow(ctx, query.New(store.Tasks, query.Where("project_id", query.Eq, projectID)), tasks); err != nil {
		stop()
		return nil, err
	}
	return stop, nil
}

type board struct {
	emit func(Board)
	now  func() time.Time

	mu         sync.Mutex
	tasks      aggregate.View[models.Task]
	project    *models.Project
	projectErr error
	loaded     bool
}

func (b *board) tasksChanged(view aggregate.View[models.Task]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = view
	b.publish()
}

func (b *board) projectChanged(u subscription.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.loaded = true
	switch {
	case u.Err != nil:
		b.projectErr = u.Err
	case len(u.Snapshot.Docs) == 0:
		b.project = nil
		b.projectErr = apperr.NotFound(errors.New("project deleted"))
	default:
		var p models.Project
		if err := u.Snapshot.Docs[0].Decode(&p); err != nil {
			b.projectErr = err
			break
		}
		b.project, b.projectErr = &p, nil
	}
	b.publish()
}

// publish emits the combined state. It runs with b.mu held, which keeps
// emissions in order.
func (b *board) publish() {
	out := Board{View: b.tasks, Project: b.project}
	if out.Status == "" {
		out.Status = aggregate.Pending
	}
	if b.projectErr != nil {
		out.Status = aggregate.Degraded
		errs := make(map[string]error, len(out.Errors)+1)
		for k, err := range out.Errors {
			errs[k] = err
		}
		errs["project"] = b.projectErr
		out.Errors = errs
	} else if !b.loaded && out.Status == aggregate.Ready {
		out.Status = aggregate.Pending
	}
	if out.Status != aggregate.Pending && b.project != nil {
		stats := models.ComputeStats(out.Items, b.project, b.now())
		out.Stats = &stats
	}
	b.emit(out)
}

// WatchAgenda emits the open tasks assigned to the user across projects,
// soonest due first, with overdue and due-today counts in Stats.
func (v *Views) WatchAgenda(ctx context.Context, emit func(Board)) (stop func(), err error) {
	sess := v.Session()
	if !sess.Authenticated() {
		return nil, gateway.ErrNotSignedIn
	}
	email := strings.ToLower(strings.TrimSpace(sess.Email))

	cfg, err := taskConfig(models.SortDueDate, func(view aggregate.View[models.Task]) {
		out := Board{View: view}
		if view.Status != aggregate.Pending {
			stats := models.ComputeStats(view.Items, nil, v.now())
			out.Stats = &stats
		}
		emit(out)
	})
	if err != nil {
		return nil, err
	}
	w := newView(v, store.Tasks, cfg, func(t models.Task) bool {
		return !t.Completed && t.AssigneeEmail != nil && *t.AssigneeEmail == email
	})
	assigned := w.agg.Input("assigned")

	stop, err = v.register(w)
	if err != nil {
		return nil, err
	}
	if _, err := w.follow(ctx, query.New(store.Tasks,
		query.Where("assignee_email", query.Eq, email),
		query.Where("completed", query.Eq, false)), assigned); err != nil {
		stop()
		return nil, err
	}
	return stop, nil
}
