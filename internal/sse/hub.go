// Package sse keeps the registry of live view connections. Each client
// owns the view models of one SSE stream or WebSocket connection and a
// mailbox that keeps only the latest pending event per key.
package sse

import (
	"context"
	"errors"
	"sync"

	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/viewmodel"
	"github.com/google/uuid"
)

var ErrClientClosed = errors.New("client closed")

// Event is one message to a client. Events with the same Key replace each
// other while waiting to be sent.
type Event struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
	Key  string `json:"-"`
}

type Client struct {
	ID        string
	UserID    uuid.UUID
	SessionID uuid.UUID
	Transport string
	Views     *viewmodel.Views

	mu      sync.Mutex
	pending map[string]Event
	order   []string
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewClient(sess session.Session, views *viewmodel.Views, transport string) *Client {
	return &Client{
		ID:        uuid.NewString(),
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Transport: transport,
		Views:     views,
		pending:   make(map[string]Event),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Offer queues e without blocking. A pending event with the same key is
// replaced in place. Offers after Close are dropped.
func (c *Client) Offer(e Event) {
	key := e.Key
	if key == "" {
		key = e.Type + "/" + e.ID
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	if _, ok := c.pending[key]; !ok {
		c.order = append(c.order, key)
	}
	c.pending[key] = e
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an event is pending, ctx is done or the client is
// closed.
func (c *Client) Next(ctx context.Context) (Event, error) {
	for {
		c.mu.Lock()
		if len(c.order) > 0 {
			key := c.order[0]
			c.order = c.order[1:]
			e := c.pending[key]
			delete(c.pending, key)
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.done:
			return Event{}, ErrClientClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close ends the client and its views. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.pending = make(map[string]Event)
		c.order = nil
		c.mu.Unlock()
		if c.Views != nil {
			c.Views.Close()
		}
	})
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes and closes client.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[client.ID]; ok && cur == client {
		delete(h.clients, client.ID)
	}
	h.mu.Unlock()
	client.Close()
}

// Stager returns the view models of a live client of userID, so that a
// mutation sent with that client id shows up in its views right away.
func (h *Hub) Stager(clientID string, userID uuid.UUID) gateway.Stager {
	if clientID == "" {
		return nil
	}
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok || client.UserID != userID || client.Views == nil {
		return nil
	}
	return client.Views
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
