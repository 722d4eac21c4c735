package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dimitrije/taskflow-api/internal/hub"
	"github.com/dimitrije/taskflow-api/internal/query"
	"github.com/dimitrije/taskflow-api/internal/session"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// NewMemoryStore returns an in-memory store whose change feed runs until
// the test ends.
func NewMemoryStore(t *testing.T, opts ...store.MemoryOption) *store.Memory {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	feed := hub.NewHub()
	go feed.Run(ctx)
	t.Cleanup(cancel)
	return store.NewMemory(feed, opts...)
}

// SeedUser writes a user document and returns a signed-in session for it.
func SeedUser(t *testing.T, s store.Store, email, name string) session.Session {
	t.Helper()
	id := uuid.New()
	_, err := s.Set(context.Background(), store.Users, id.String(), store.Patch{
		"email":        email,
		"display_name": name,
	})
	require.NoError(t, err)
	return session.Session{
		ID:          uuid.New(),
		UserID:      id,
		Email:       email,
		DisplayName: name,
		IssuedAt:    time.Now(),
	}
}

// Fault makes matching store calls fail. Empty Op or Resource match any.
// Times limits how many calls fail; zero means every call.
type Fault struct {
	Op       string
	Resource string
	Err      error
	Times    int
}

// FaultyStore wraps a store and fails the calls that match a fault.
type FaultyStore struct {
	store.Store

	mu     sync.Mutex
	faults []*Fault
	calls  map[string]int
}

func NewFaultyStore(s store.Store) *FaultyStore {
	return &FaultyStore{Store: s, calls: make(map[string]int)}
}

func (f *FaultyStore) Inject(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, &fault)
}

func (f *FaultyStore) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
}

// Calls counts the calls of op on resource, failed ones included.
func (f *FaultyStore) Calls(op, resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+" "+resource]
}

func (f *FaultyStore) check(op, resource string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op+" "+resource]++
	for _, fault := range f.faults {
		if fault.Op != "" && fault.Op != op {
			continue
		}
		if fault.Resource != "" && fault.Resource != resource {
			continue
		}
		if fault.Times < 0 {
			continue
		}
		if fault.Times > 0 {
			fault.Times--
			if fault.Times == 0 {
				fault.Times = -1
			}
		}
		return fault.Err
	}
	return nil
}

func (f *FaultyStore) Read(ctx context.Context, d query.Descriptor) (store.Snapshot, error) {
	if err := f.check("read", d.Resource); err != nil {
		return store.Snapshot{}, err
	}
	return f.Store.Read(ctx, d)
}

func (f *FaultyStore) Get(ctx context.Context, resource, id string) (store.Document, error) {
	if err := f.check("get", resource); err != nil {
		return store.Document{}, err
	}
	return f.Store.Get(ctx, resource, id)
}

func (f *FaultyStore) Subscribe(ctx context.Context, d query.Descriptor, fn store.Listener) (store.Subscription, error) {
	if err := f.check("subscribe", d.Resource); err != nil {
		return nil, err
	}
	return f.Store.Subscribe(ctx, d, fn)
}

func (f *FaultyStore) Write(ctx context.Context, resource, id string, patch store.Patch) (store.WriteAck, error) {
	if err := f.check("write", resource); err != nil {
		return store.WriteAck{}, err
	}
	return f.Store.Write(ctx, resource, id, patch)
}

func (f *FaultyStore) Set(ctx context.Context, resource, id string, fields store.Patch) (store.WriteAck, error) {
	if err := f.check("set", resource); err != nil {
		return store.WriteAck{}, err
	}
	return f.Store.Set(ctx, resource, id, fields)
}

func (f *FaultyStore) Delete(ctx context.Context, resource, id string) error {
	if err := f.check("delete", resource); err != nil {
		return err
	}
	return f.Store.Delete(ctx, resource, id)
}
