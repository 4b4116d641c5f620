package dispatch

import (
	"sync"

	"github.com/google/uuid"
)

// watchBuffer is the per-watcher channel capacity. A watcher that falls
// this far behind starts missing events; the task store remains the
// source of truth.
const watchBuffer = 16

// watcherHub fans terminal task records out to session watchers.
type watcherHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[uuid.UUID]map[int]chan *Task
}

func newWatcherHub() *watcherHub {
	return &watcherHub{subs: make(map[uuid.UUID]map[int]chan *Task)}
}

func (h *watcherHub) subscribe(sessionID uuid.UUID) (<-chan *Task, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan *Task, watchBuffer)
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan *Task)
	}
	h.subs[sessionID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subs[sessionID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subs, sessionID)
			}
		}
	}
	return ch, cancel
}

func (h *watcherHub) publish(task *Task) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[task.SessionID] {
		cp := *task
		select {
		case ch <- &cp:
		default: // slow watcher, drop
		}
	}
}

// Watch subscribes to terminal task records for a session. The returned
// cancel func must be called to release the subscription. Events are
// best-effort; slow consumers miss events rather than block dispatch.
func (c *Coordinator) Watch(sessionID uuid.UUID) (<-chan *Task, func()) {
	return c.watchers.subscribe(sessionID)
}
