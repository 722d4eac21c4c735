package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/google/uuid"
)

type TaskInput struct {
	Title         string
	Description   string
	Priority      string
	DueDate       *time.Time
	AssigneeEmail string
}

// TaskPatch lists the fields to change. ClearDueDate removes the due date
// and an empty AssigneeEmail unassigns the task.
type TaskPatch struct {
	Title         *string
	Description   *string
	Priority      *string
	DueDate       *time.Time
	ClearDueDate  bool
	AssigneeEmail *string
}

// CreateTask adds a task to a project the caller can access. The priority
// defaults to medium.
func (g *Gateway) CreateTask(ctx context.Context, sess session.Session, projectID string, in TaskInput) (t models.Task, err error) {
	defer func() { observe("create_task", err) }()

	p, err := g.accessibleProject(ctx, sess, projectID)
	if err != nil {
		return models.Task{}, err
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return models.Task{}, apperr.Invalid("title", "is required")
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !models.ValidPriority(priority) {
		return models.Task{}, apperr.Invalid("priority", "must be low, medium or high")
	}

	now := g.now().UTC()
	t = models.Task{
		ID:          uuid.New(),
		ProjectID:   p.ID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Priority:    priority,
		CreatedBy:   sess.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.DueDate != nil {
		due := normalizeDay(*in.DueDate)
		t.DueDate = &due
	}
	if email := normalizeEmail(in.AssigneeEmail); email != "" {
		if err := g.checkAssignee(ctx, p, email); err != nil {
			return models.Task{}, err
		}
		t.AssigneeEmail = &email
	}

	st := stage(ctx, store.Tasks, t.ID.String(), t)
	ack, err := g.set(ctx, store.Tasks, t.ID.String(), store.Patch{
		"project_id":     t.ProjectID,
		"title":          t.Title,
		"description":    t.Description,
		"priority":       t.Priority,
		"due_date":       timeOrNil(t.DueDate),
		"completed":      false,
		"completed_at":   nil,
		"assignee_email": stringOrNil(t.AssigneeEmail),
		"created_by":     t.CreatedBy,
	})
	settle(st, ack.UpdatedAt, err)
	if err != nil {
		return models.Task{}, err
	}
	t.CreatedAt, t.UpdatedAt = ack.CreatedAt, ack.UpdatedAt
	return t, nil
}

// UpdateTask changes the given fields of a task. Completion is changed
// only through ToggleTaskCompletion.
func (g *Gateway) UpdateTask(ctx context.Context, sess session.Session, taskID string, in TaskPatch) (t models.Task, err error) {
	defer func() { observe("update_task", err) }()

	t, p, err := g.accessibleTask(ctx, sess, taskID)
	if err != nil {
		return models.Task{}, err
	}

	patch := store.Patch{}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return models.Task{}, apperr.Invalid("title", "is required")
		}
		t.Title = title
		patch["title"] = title
	}
	if in.Description != nil {
		t.Description = strings.TrimSpace(*in.Description)
		patch["description"] = t.Description
	}
	if in.Priority != nil {
		if !models.ValidPriority(*in.Priority) {
			return models.Task{}, apperr.Invalid("priority", "must be low, medium or high")
		}
		t.Priority = *in.Priority
		patch["priority"] = t.Priority
	}
	switch {
	case in.ClearDueDate:
		t.DueDate = nil
		patch["due_date"] = nil
	case in.DueDate != nil:
		due := normalizeDay(*in.DueDate)
		t.DueDate = &due
		patch["due_date"] = due
	}
	if in.AssigneeEmail != nil {
		email := normalizeEmail(*in.AssigneeEmail)
		if email == "" {
			t.AssigneeEmail = nil
			patch["assignee_email"] = nil
		} else {
			if err := g.checkAssignee(ctx, p, email); err != nil {
				return models.Task{}, err
			}
			t.AssigneeEmail = &email
			patch["assignee_email"] = email
		}
	}
	if len(patch) == 0 {
		return t, nil
	}

	t.UpdatedAt = g.now().UTC()
	st := stage(ctx, store.Tasks, t.ID.String(), t)
	ack, err := g.store.Write(ctx, store.Tasks, t.ID.String(), patch)
	settle(st, ack.UpdatedAt, err)
	if err != nil {
		return models.Task{}, err
	}
	t.UpdatedAt = ack.UpdatedAt
	return t, nil
}

// DeleteTask removes a task. Deleting a task that is already gone is not
// an error.
func (g *Gateway) DeleteTask(ctx context.Context, sess session.Session, taskID string) (err error) {
	defer func() { observe("delete_task", err) }()

	if err := requireSession(sess); err != nil {
		return err
	}
	doc, err := g.get(ctx, store.Tasks, taskID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t, err := decode[models.Task](doc)
	if err != nil {
		return err
	}
	if _, err := g.accessibleProject(ctx, sess, t.ProjectID.String()); err != nil {
		return err
	}

	st := stage(ctx, store.Tasks, t.ID.String(), nil)
	err = g.remove(ctx, store.Tasks, t.ID.String())
	settle(st, g.now().UTC(), err)
	return err
}

// ToggleTaskCompletion flips the completed flag. completed and
// completed_at change in one write, so a task is never seen completed
// without a completion time or open with one.
func (g *Gateway) ToggleTaskCompletion(ctx context.Context, sess session.Session, taskID string) (t models.Task, err error) {
	defer func() { observe("toggle_task", err) }()

	t, _, err = g.accessibleTask(ctx, sess, taskID)
	if err != nil {
		return models.Task{}, err
	}

	now := g.now().UTC()
	t.Completed = !t.Completed
	patch := store.Patch{"completed": t.Completed}
	if t.Completed {
		t.CompletedAt = &now
		patch["completed_at"] = now
	} else {
		t.CompletedAt = nil
		patch["completed_at"] = nil
	}
	t.UpdatedAt = now

	st := stage(ctx, store.Tasks, t.ID.String(), t)
	// Not retried: a retry after an unseen success would toggle back.
	ack, err := g.store.Write(ctx, store.Tasks, t.ID.String(), patch)
	settle(st, ack.UpdatedAt, err)
	if err != nil {
		return models.Task{}, err
	}
	t.UpdatedAt = ack.UpdatedAt
	return t, nil
}

func (g *Gateway) accessibleTask(ctx context.Context, sess session.Session, taskID string) (models.Task, models.Project, error) {
	if err := requireSession(sess); err != nil {
		return models.Task{}, models.Project{}, err
	}
	doc, err := g.get(ctx, store.Tasks, taskID)
	if err != nil {
		return models.Task{}, models.Project{}, err
	}
	t, err := decode[models.Task](doc)
	if err != nil {
		return models.Task{}, models.Project{}, err
	}
	p, err := g.accessibleProject(ctx, sess, t.ProjectID.String())
	if err != nil {
		return models.Task{}, models.Project{}, err
	}
	return t, p, nil
}

// checkAssignee accepts the owner's email and the emails of accepted
// members.
func (g *Gateway) checkAssignee(ctx context.Context, p models.Project, email string) error {
	if doc, err := g.get(ctx, store.Users, p.OwnerID.String()); err == nil {
		if owner, err := decode[models.User](doc); err == nil && normalizeEmail(owner.Email) == email {
			return nil
		}
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	if p.IsTeam() {
		docs, err := g.read(ctx, query.New(store.Members,
			query.Where("project_id", query.Eq, p.ID),
			query.Where("email", query.Eq, email),
			query.Where("status", query.Eq, models.StatusAccepted),
		))
		if err != nil {
			return err
		}
		if len(docs) > 0 {
			return nil
		}
	}
	return apperr.Invalid("assignee_email", "must be the owner or a member of the project")
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func stringOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
