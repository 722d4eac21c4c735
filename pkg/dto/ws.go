package dto

import "github.com/google/uuid"

// WatchMessage is sent by WebSocket clients. Type is "watch" or "unwatch";
// ID names the watch in later messages.
type WatchMessage struct {
	Type      string     `json:"type"`
	ID        string     `json:"id"`
	View      string     `json:"view,omitempty"`
	ProjectID *uuid.UUID `json:"project_id,omitempty"`
	Sort      string     `json:"sort,omitempty"`
}
