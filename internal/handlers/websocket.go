package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dimitrije/taskflow-api/internal/apperr"
	"github.com/dimitrije/taskflow-api/internal/metrics"
	"github.com/dimitrije/taskflow-api/internal/sse"
	"github.com/dimitrije/taskflow-api/internal/viewmodel"
	"github.com/dimitrije/taskflow-api/pkg/dto"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/m1z23r/drift/pkg/websocket"
)

// Connect serves several views over one WebSocket. Clients send
// {"type":"watch","id":..,"view":..} and {"type":"unwatch","id":..}; every
// emission comes back as {"type":<view>,"id":<watch id>,"data":..}.
func (h *ViewsHandler) Connect(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	conn, err := websocket.Upgrade(c)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	views := viewmodel.New(h.manager, sess, viewmodel.WithLogger(h.log))
	client := sse.NewClient(sess, views, "ws")
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	events, unsubscribe := h.broker.Subscribe(sess.UserID)
	defer unsubscribe()
	go h.follow(events, client)

	metrics.StreamOpened("ws")
	defer metrics.StreamClosed("ws")

	log := h.log.WithField("client_id", client.ID)
	client.Offer(sse.Event{Type: "connected", Key: "connected", Data: map[string]string{"client_id": client.ID}})

	// The writer owns every write to conn, including the close frame.
	written := make(chan struct{})
	go func() {
		defer close(written)
		defer func() {
			if err := conn.Close(websocket.CloseNormalClosure, ""); err != nil {
				log.WithError(err).Debug("websocket close error")
			}
		}()
		for {
			e, err := client.Next(ctx)
			if err != nil {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
			if e.Type == "session_ended" {
				return
			}
		}
	}()

	watches := make(map[string]func())
	defer func() {
		for _, stop := range watches {
			stop()
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg dto.WatchMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.Offer(wsError("", apperr.Invalid("message", "must be a JSON object")))
			continue
		}
		msg.View = normalizeView(msg.View)
		if msg.ID == "" {
			client.Offer(wsError("", apperr.Invalid("id", "is required")))
			continue
		}

		switch msg.Type {
		case "watch":
			if stop, ok := watches[msg.ID]; ok {
				stop()
				delete(watches, msg.ID)
			}
			stop, err := h.watch(ctx, sess, views, client, msg)
			if err != nil {
				client.Offer(wsError(msg.ID, err))
				continue
			}
			watches[msg.ID] = stop
		case "unwatch":
			if stop, ok := watches[msg.ID]; ok {
				stop()
				delete(watches, msg.ID)
			}
		default:
			client.Offer(wsError(msg.ID, apperr.Invalid("type", "must be watch or unwatch")))
		}
	}

	cancel()
	<-written
}

func wsError(id string, err error) sse.Event {
	msg := err.Error()
	if errors.Is(err, apperr.ErrNotFound) {
		msg = "not found"
	}
	return sse.Event{
		Type: "error",
		ID:   id,
		Key:  "error/" + id,
		Data: map[string]string{"error": msg, "kind": apperr.Kind(err)},
	}
}
