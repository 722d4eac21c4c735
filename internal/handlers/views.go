package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dimitrije/taskflow-api/internal/aggregate"
	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/metrics"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/sse"
	"github.com/dimitrije/taskflow-api/internal/subscription"
	"github.com/dimitrije/taskflow-api/internal/viewmodel"
	"github.com/dimitrije/taskflow-api/pkg/dto"
	"github.com/google/uuid"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/sirupsen/logrus"
)

const (
	ViewProjects    = "projects"
	ViewTasks       = "tasks"
	ViewAgenda      = "agenda"
	ViewInvitations = "invitations"
	ViewMembers     = "members"
)

// ViewsHandler serves live views over SSE and WebSocket. Every connection
// gets its own view models, registered in the hub under a client id that
// writes can name in the X-Client-ID header.
type ViewsHandler struct {
	manager *subscription.Manager
	gateway GatewayInterface
	hub     *sse.Hub
	broker  *session.Broker
	log     *logrus.Entry
}

func NewViewsHandler(manager *subscription.Manager, gw GatewayInterface, hub *sse.Hub, broker *session.Broker, log *logrus.Entry) *ViewsHandler {
	return &ViewsHandler{manager: manager, gateway: gw, hub: hub, broker: broker, log: log}
}

// viewPayload is a view as sent to clients. Items is null while the view
// is pending and [] when it loaded empty.
type viewPayload[T any] struct {
	Status  aggregate.Status  `json:"status"`
	Items   []T               `json:"items"`
	Errors  map[string]string `json:"errors,omitempty"`
	Project *models.Project   `json:"project,omitempty"`
	Stats   *models.TaskStats `json:"stats,omitempty"`
}

func payload[T any](v aggregate.View[T]) viewPayload[T] {
	p := viewPayload[T]{Status: v.Status, Items: v.Items}
	if p.Status != aggregate.Pending && p.Items == nil {
		p.Items = []T{}
	}
	if len(v.Errors) > 0 {
		p.Errors = make(map[string]string, len(v.Errors))
		for name, err := range v.Errors {
			p.Errors[name] = err.Error()
		}
	}
	return p
}

func boardPayload(b viewmodel.Board) viewPayload[models.Task] {
	p := payload(b.View)
	p.Project = b.Project
	p.Stats = b.Stats
	return p
}

// watch starts the view described by msg and forwards every emission to
// client under msg.ID.
func (h *ViewsHandler) watch(ctx context.Context, sess session.Session, views ViewSource, client *sse.Client, msg dto.WatchMessage) (func(), error) {
	key := msg.ID
	if key == "" {
		key = msg.View
	}
	send := func(data any) {
		client.Offer(sse.Event{Type: msg.View, ID: msg.ID, Key: key, Data: data})
	}

	switch msg.View {
	case ViewProjects:
		return views.WatchProjects(ctx, func(v aggregate.View[models.Project]) { send(payload(v)) })
	case ViewAgenda:
		return views.WatchAgenda(ctx, func(b viewmodel.Board) { send(boardPayload(b)) })
	case ViewInvitations:
		return views.WatchInvitations(ctx, func(v aggregate.View[models.Invitation]) { send(payload(v)) })
	case ViewTasks, ViewMembers:
		if msg.ProjectID == nil {
			return nil, apperr.Invalid("project_id", "is required")
		}
		if _, err := h.gateway.Project(ctx, sess, msg.ProjectID.String()); err != nil {
			return nil, err
		}
		if msg.View == ViewMembers {
			return views.WatchMembers(ctx, *msg.ProjectID, func(v aggregate.View[models.Membership]) { send(payload(v)) })
		}
		return views.WatchTasks(ctx, *msg.ProjectID, msg.Sort, func(b viewmodel.Board) { send(boardPayload(b)) })
	}
	return nil, apperr.Invalid("view", fmt.Sprintf("unknown view %q", msg.View))
}

// follow applies session events to a connection until events is closed.
// A session_ended event tells the writer to close the connection.
func (h *ViewsHandler) follow(events <-chan session.Event, client *sse.Client) {
	for e := range events {
		switch {
		case e.Ends(client.SessionID):
			client.Offer(sse.Event{Type: "session_ended", Key: "session", Data: map[string]string{"reason": string(e.Kind)}})
		case e.Kind == session.ProfileUpdated:
			if err := client.Views.UpdateSession(e.Session); err != nil {
				h.log.WithError(err).WithField("client_id", client.ID).Warn("session update closed views")
				client.Offer(sse.Event{Type: "session_ended", Key: "session", Data: map[string]string{"reason": "identity_changed"}})
				continue
			}
			client.Offer(sse.Event{Type: "session", Key: "session", Data: e.Session})
		}
	}
}

func (h *ViewsHandler) Projects(c *drift.Context) {
	h.stream(c, dto.WatchMessage{View: ViewProjects})
}

func (h *ViewsHandler) Agenda(c *drift.Context) {
	h.stream(c, dto.WatchMessage{View: ViewAgenda})
}

func (h *ViewsHandler) Invitations(c *drift.Context) {
	h.stream(c, dto.WatchMessage{View: ViewInvitations})
}

func (h *ViewsHandler) Tasks(c *drift.Context) {
	h.projectStream(c, ViewTasks)
}

func (h *ViewsHandler) Members(c *drift.Context) {
	h.projectStream(c, ViewMembers)
}

func (h *ViewsHandler) projectStream(c *drift.Context, view string) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.BadRequest("invalid project id")
		return
	}
	h.stream(c, dto.WatchMessage{View: view, ProjectID: &projectID, Sort: c.QueryParam("sort")})
}

// stream serves one view as server-sent events. The first event carries
// the client id; a session_ended event is the last.
func (h *ViewsHandler) stream(c *drift.Context, msg dto.WatchMessage) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	views := viewmodel.New(h.manager, sess, viewmodel.WithLogger(h.log))
	client := sse.NewClient(sess, views, "sse")
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	if _, err := h.watch(ctx, sess, views, client, msg); err != nil {
		respondError(c, h.log, err, nil)
		return
	}

	events, cancel := h.broker.Subscribe(sess.UserID)
	defer cancel()
	go h.follow(events, client)

	metrics.StreamOpened("sse")
	defer metrics.StreamClosed("sse")

	sseCtx := c.SSE()
	if err := sseCtx.SendJSON(map[string]string{
		"type":      "connected",
		"client_id": client.ID,
	}, "system", ""); err != nil {
		return
	}

	log := h.log.WithFields(logrus.Fields{"client_id": client.ID, "view": msg.View})
	log.Debug("stream opened")
	defer log.Debug("stream closed")

	for {
		e, err := client.Next(ctx)
		if err != nil {
			if !errors.Is(err, sse.ErrClientClosed) && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("stream ended")
			}
			return
		}
		if err := sseCtx.SendJSON(e.Data, e.Type, e.ID); err != nil {
			return
		}
		if e.Type == "session_ended" {
			return
		}
	}
}

func normalizeView(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
