package subscription

import (
	"context"
	"sync"

	"github.com/dimitrije/taskflow-api/internal/query"
)

// Handle is one listener's claim on a descriptor.
type Handle struct {
	m    *Manager
	key  string
	desc query.Descriptor
	fn   Listener

	// guarded by m.mu
	attached bool
	released bool
}

func (h *Handle) Descriptor() query.Descriptor {
	return h.desc
}

// Close is Unsubscribe.
func (h *Handle) Close() {
	h.m.Unsubscribe(h)
}

// Scope collects the handles acquired for one consumer so they can be
// released together.
type Scope struct {
	m *Manager

	mu      sync.Mutex
	handles []*Handle
	closed  bool
}

func (m *Manager) NewScope() *Scope {
	return &Scope{m: m}
}

func (s *Scope) Subscribe(ctx context.Context, d query.Descriptor, fn Listener) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	h, err := s.m.Subscribe(ctx, d, fn)
	if err != nil {
		return nil, err
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// Release closes h early and forgets it.
func (s *Scope) Release(h *Handle) {
	s.mu.Lock()
	for i, held := range s.handles {
		if held == h {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	h.Close()
}

// Close releases every handle of the scope. Later Subscribe calls fail.
func (s *Scope) Close() {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.closed = true
	s.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
