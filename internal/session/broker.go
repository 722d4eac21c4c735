package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	SignedIn       EventKind = "signed_in"
	SignedOut      EventKind = "signed_out"
	Revoked        EventKind = "revoked"
	ProfileUpdated EventKind = "profile_updated"
)

// Event reports a change of a user's session state. Session holds the new
// identity for SignedIn and ProfileUpdated and is Anonymous otherwise.
// SessionID narrows SignedOut to one session; it is zero when the event
// concerns every session of the user.
type Event struct {
	Kind      EventKind `json:"kind"`
	UserID    uuid.UUID `json:"user_id"`
	SessionID uuid.UUID `json:"session_id,omitempty"`
	Session   Session   `json:"session"`
	At        time.Time `json:"at"`
}

// Ends reports whether e ends the session with the given id.
func (e Event) Ends(sessionID uuid.UUID) bool {
	switch e.Kind {
	case Revoked:
		return true
	case SignedOut:
		return e.SessionID == uuid.Nil || e.SessionID == sessionID
	}
	return false
}

type listener struct {
	id     uint64
	userID uuid.UUID
	send   chan Event
}

// Broker fans session events out to the live connections of each user.
type Broker struct {
	mu        sync.RWMutex
	listeners map[uint64]*listener
	nextID    uint64
}

func NewBroker() *Broker {
	return &Broker{listeners: make(map[uint64]*listener)}
}

// Subscribe returns a channel of events for userID. The channel is closed
// by cancel.
func (b *Broker) Subscribe(userID uuid.UUID) (<-chan Event, func()) {
	b.mu.Lock()
	b.nextID++
	l := &listener{id: b.nextID, userID: userID, send: make(chan Event, 8)}
	b.listeners[l.id] = l
	b.mu.Unlock()

	var once sync.Once
	return l.send, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, l.id)
			b.mu.Unlock()
			close(l.send)
		})
	}
}

// Publish delivers e to every listener of e.UserID. A listener whose
// buffer is full misses the event.
func (b *Broker) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		if l.userID != e.UserID {
			continue
		}
		select {
		case l.send <- e:
		default:
		}
	}
}

func (b *Broker) Count(userID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, l := range b.listeners {
		if l.userID == userID {
			n++
		}
	}
	return n
}
