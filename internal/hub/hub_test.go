package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func newWatcher(id string, resources ...string) *Watcher {
	w := &Watcher{
		ID:        id,
		Resources: make(map[string]bool),
		Send:      make(chan Change, 4),
	}
	for _, r := range resources {
		w.Resources[r] = true
	}
	return w
}

func TestNewHub(t *testing.T) {
	h := NewHub()

	assert.NotNil(t, h.watchers)
	assert.NotNil(t, h.register)
	assert.NotNil(t, h.unregister)
	assert.NotNil(t, h.broadcast)
}

func TestHub_RegisterWatcher(t *testing.T) {
	h := startHub(t)

	require.True(t, h.Register(newWatcher("w1", "tasks")))

	assert.Eventually(t, func() bool { return h.WatcherCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	h := startHub(t)
	w := newWatcher("w1", "tasks")

	h.Register(w)
	h.Unregister(w)

	select {
	case _, ok := <-w.Send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send channel was not closed")
	}
	assert.Equal(t, 0, h.WatcherCount())
}

func TestHub_PublishReachesWatchersOfResource(t *testing.T) {
	h := startHub(t)
	tasks := newWatcher("tasks", "tasks")
	projects := newWatcher("projects", "projects")

	h.Register(tasks)
	h.Register(projects)

	h.Publish(Change{Resource: "tasks", ID: "t1", Kind: ChangeUpdated})

	select {
	case c := <-tasks.Send:
		assert.Equal(t, "t1", c.ID)
		assert.Equal(t, ChangeUpdated, c.Kind)
		assert.False(t, c.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("did not receive change")
	}

	select {
	case <-projects.Send:
		t.Fatal("projects watcher should not receive task changes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_FullBufferCoalesces(t *testing.T) {
	h := startHub(t)
	w := &Watcher{ID: "w1", Resources: map[string]bool{"tasks": true}, Send: make(chan Change, 1)}
	h.Register(w)

	h.Publish(Change{Resource: "tasks", ID: "a"})
	h.Publish(Change{Resource: "tasks", ID: "b"})
	time.Sleep(20 * time.Millisecond)

	first := <-w.Send
	assert.Equal(t, "a", first.ID)

	select {
	case <-w.Send:
		t.Fatal("second change should have been coalesced")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_StopClosesWatchersAndUnblocksCallers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)

	w := newWatcher("w1", "tasks")
	h.Register(w)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	_, ok := <-w.Send
	assert.False(t, ok)
	assert.False(t, h.Register(newWatcher("late", "tasks")))
	h.Unregister(w)
	h.Publish(Change{Resource: "tasks"})
}
