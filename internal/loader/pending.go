package loader

import (
	"sort"
	"sync"

	"codeberg.org/depot-center/depot/internal/app"
)

// PendingHub tracks the apps currently mid-install or mid-removal and
// notifies subscribers whenever the set changes, so consumers can
// reconcile without re-polling.
type PendingHub struct {
	mu          sync.RWMutex
	pending     map[string]*app.App
	subscribers map[chan []*app.App]struct{}
}

// NewPendingHub creates an empty hub.
func NewPendingHub() *PendingHub {
	return &PendingHub{
		pending:     make(map[string]*app.App),
		subscribers: make(map[chan []*app.App]struct{}),
	}
}

// Subscribe creates a new subscription channel for pending set changes.
func (h *PendingHub) Subscribe() chan []*app.App {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan []*app.App, 10)
	h.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription channel. Unsubscribing a channel
// twice is a no-op.
func (h *PendingHub) Unsubscribe(ch chan []*app.App) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[ch]; !ok {
		return
	}
	delete(h.subscribers, ch)
	close(ch)
}

// Add puts an app into the pending set and notifies subscribers.
func (h *PendingHub) Add(a *app.App) {
	h.mu.Lock()
	h.pending[a.UniqueID()] = a
	h.mu.Unlock()
	h.broadcast()
}

// Remove drops an app from the pending set and notifies subscribers.
func (h *PendingHub) Remove(a *app.App) {
	h.mu.Lock()
	delete(h.pending, a.UniqueID())
	h.mu.Unlock()
	h.broadcast()
}

// Apps returns a snapshot of the pending set, sorted by unique ID.
func (h *PendingHub) Apps() []*app.App {
	h.mu.RLock()
	defer h.mu.RUnlock()

	apps := make([]*app.App, 0, len(h.pending))
	for _, a := range h.pending {
		apps = append(apps, a)
	}
	sort.Slice(apps, func(i, j int) bool {
		return apps[i].UniqueID() < apps[j].UniqueID()
	})
	return apps
}

// Contains reports whether an app is in the pending set.
func (h *PendingHub) Contains(uniqueID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.pending[uniqueID]
	return ok
}

// SubscriberCount returns the number of active subscribers.
func (h *PendingHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// broadcast sends the current pending set to all subscribers. Slow
// subscribers with a full channel are skipped.
func (h *PendingHub) broadcast() {
	apps := h.Apps()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- apps:
		default:
		}
	}
}
