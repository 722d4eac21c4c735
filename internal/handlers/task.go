package handlers

import (
	"slices"

	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/pkg/dto"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/sirupsen/logrus"
)

type TaskHandler struct {
	gateway GatewayInterface
	stagers StagerLookup
	log     *logrus.Entry
}

func NewTaskHandler(gw GatewayInterface, stagers StagerLookup, log *logrus.Entry) *TaskHandler {
	return &TaskHandler{gateway: gw, stagers: stagers, log: log}
}

func (h *TaskHandler) List(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	tasks, err := h.gateway.Tasks(c.Request.Context(), sess, c.Param("id"))
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}

	sortKey := c.QueryParam("sort")
	if sortKey != "" {
		cmp := models.CompareTasks(sortKey)
		if cmp == nil {
			c.BadRequest("unknown sort: " + sortKey)
			return
		}
		slices.SortStableFunc(tasks, cmp)
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	_ = c.JSON(200, tasks)
}

func (h *TaskHandler) Create(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	var req dto.CreateTaskRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	due, err := optionalDate("due_date", req.DueDate)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}

	ctx := optimistic(c, h.stagers, sess)
	task, err := h.gateway.CreateTask(ctx, sess, c.Param("id"), gateway.TaskInput{
		Title:         req.Title,
		Description:   req.Description,
		Priority:      req.Priority,
		DueDate:       due,
		AssigneeEmail: req.AssigneeEmail,
	})
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(201, task)
}

func (h *TaskHandler) Update(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	var req dto.UpdateTaskRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	patch := gateway.TaskPatch{
		Title:         req.Title,
		Description:   req.Description,
		Priority:      req.Priority,
		AssigneeEmail: req.AssigneeEmail,
	}
	if req.DueDate != nil {
		due, err := parseDate("due_date", *req.DueDate)
		if err != nil {
			respondError(c, h.log, err, nil)
			return
		}
		patch.DueDate = due
		patch.ClearDueDate = due == nil
	}

	ctx := optimistic(c, h.stagers, sess)
	task, err := h.gateway.UpdateTask(ctx, sess, c.Param("id"), patch)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(200, task)
}

func (h *TaskHandler) Delete(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	ctx := optimistic(c, h.stagers, sess)
	if err := h.gateway.DeleteTask(ctx, sess, c.Param("id")); err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(200, map[string]string{"message": "task deleted"})
}

func (h *TaskHandler) Toggle(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	ctx := optimistic(c, h.stagers, sess)
	task, err := h.gateway.ToggleTaskCompletion(ctx, sess, c.Param("id"))
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(200, task)
}
