package notify

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agentbridge/internal/domain"
)

type subscription struct {
	id       uint64
	listener domain.NotificationListener
}

type observerSub struct {
	id       uint64
	observer domain.LogObserver
}

// Hub is the in-process notification registry: an ordered, mutable log of
// undismissed notifications plus per-event-name listener lists. The hub is
// the sole mutator of notification state; producers enqueue via Publish and
// consumers read snapshots.
type Hub struct {
	mu        sync.Mutex
	log       []domain.Notification
	listeners map[string][]subscription
	allSubs   []subscription
	observers []observerSub
	nextID    uint64
	logger    *slog.Logger
}

// NewHub creates a notification hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		listeners: make(map[string][]subscription),
		logger:    logger,
	}
}

// Publish appends n to the log and synchronously invokes every listener
// subscribed to the event name derived from n.Kind. A panicking listener is
// recovered and logged; it never prevents the remaining listeners from
// running or corrupts the log.
//
// Missing fields are filled in: a fresh ULID id, the current time, and
// medium priority. The requires-action invariant is enforced here: a
// notification demanding an action must be a confirmation carrying a confirm
// label, anything else is downgraded to informational.
func (h *Hub) Publish(ctx context.Context, n domain.Notification) {
	if n.ID == "" {
		n.ID = NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Priority == "" {
		n.Priority = domain.PriorityMedium
	}
	if n.RequiresAction && (n.Kind != domain.KindConfirmation || n.Actions == nil || n.Actions.ConfirmLabel == "") {
		h.logger.Warn("dropping requires_action on malformed confirmation", "id", n.ID, "kind", string(n.Kind))
		n.RequiresAction = false
	}

	h.mu.Lock()
	h.log = append(h.log, n)
	h.mu.Unlock()

	h.dispatch(ctx, domain.NotificationEvent{
		Name:         n.Kind.EventName(),
		Notification: n,
	})
	h.notifyObservers()
}

// Subscribe registers a listener for a specific event name.
// Returns an unsubscribe function; unsubscribing twice is a no-op.
func (h *Hub) Subscribe(eventName string, listener domain.NotificationListener) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[eventName] = append(h.listeners[eventName], subscription{id: id, listener: listener})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.listeners[eventName]
		for i, s := range subs {
			if s.id == id {
				h.listeners[eventName] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a listener that receives every event regardless of
// name. Returns an unsubscribe function.
func (h *Hub) SubscribeAll(listener domain.NotificationListener) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.allSubs = append(h.allSubs, subscription{id: id, listener: listener})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.allSubs {
			if s.id == id {
				h.allSubs = append(h.allSubs[:i], h.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Observe registers a log-changed observer that receives a full snapshot of
// the current log on every mutation. Returns an unsubscribe function.
func (h *Hub) Observe(observer domain.LogObserver) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.observers = append(h.observers, observerSub{id: id, observer: observer})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, o := range h.observers {
			if o.id == id {
				h.observers = append(h.observers[:i], h.observers[i+1:]...)
				return
			}
		}
	}
}

// Notifications returns a snapshot of the undismissed log in insertion order
// (which is creation order; callers sort as they see fit).
func (h *Hub) Notifications() []domain.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot := make([]domain.Notification, len(h.log))
	copy(snapshot, h.log)
	return snapshot
}

// Get returns the notification with the given id, if present.
func (h *Hub) Get(id string) (domain.Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.log {
		if n.ID == id {
			return n, true
		}
	}
	return domain.Notification{}, false
}

// MarkRead sets the read flag on the notification with the given id.
// Unknown ids are ignored.
func (h *Hub) MarkRead(id string) {
	h.mu.Lock()
	changed := false
	for i := range h.log {
		if h.log[i].ID == id && !h.log[i].Read {
			h.log[i].Read = true
			changed = true
			break
		}
	}
	h.mu.Unlock()

	if changed {
		h.notifyObservers()
	}
}

// Dismiss removes exactly the notification with the given id, leaving the
// rest of the log untouched. Returns whether an entry was removed.
func (h *Hub) Dismiss(id string) bool {
	h.mu.Lock()
	removed := false
	for i := range h.log {
		if h.log[i].ID == id {
			h.log = append(h.log[:i], h.log[i+1:]...)
			removed = true
			break
		}
	}
	h.mu.Unlock()

	if removed {
		h.notifyObservers()
	}
	return removed
}

// ClearAll empties the notification log.
func (h *Hub) ClearAll() {
	h.mu.Lock()
	h.log = nil
	h.mu.Unlock()

	h.notifyObservers()
}

// RecordAction marks the notification read, clears its requires-action flag,
// and emits a synthetic "<kind>_action" event carrying the notification and
// the action taken, so one-shot coordinators can react. Unknown ids are a
// no-op: the confirmation may already have been dismissed.
func (h *Hub) RecordAction(ctx context.Context, id string, action domain.Action) {
	h.mu.Lock()
	var acted *domain.Notification
	for i := range h.log {
		if h.log[i].ID == id {
			h.log[i].Read = true
			h.log[i].RequiresAction = false
			n := h.log[i]
			acted = &n
			break
		}
	}
	h.mu.Unlock()

	if acted == nil {
		h.logger.Debug("action on unknown notification", "id", id, "action", string(action))
		return
	}

	h.dispatch(ctx, domain.NotificationEvent{
		Name:         acted.Kind.ActionEventName(),
		Notification: *acted,
		Action:       action,
	})
	h.notifyObservers()
}

// dispatch invokes listeners synchronously on the caller's goroutine, outside
// the hub lock. Listener panics are recovered so one bad listener cannot take
// down the publisher or starve its peers.
func (h *Hub) dispatch(ctx context.Context, evt domain.NotificationEvent) {
	h.mu.Lock()
	subs := make([]subscription, len(h.listeners[evt.Name]))
	copy(subs, h.listeners[evt.Name])
	allSubs := make([]subscription, len(h.allSubs))
	copy(allSubs, h.allSubs)
	h.mu.Unlock()

	for _, sub := range subs {
		h.invoke(ctx, evt, sub)
	}
	for _, sub := range allSubs {
		h.invoke(ctx, evt, sub)
	}
}

func (h *Hub) invoke(ctx context.Context, evt domain.NotificationEvent, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("notification listener panicked",
				"event", evt.Name,
				"notification", evt.Notification.ID,
				"panic", r,
			)
		}
	}()
	sub.listener(ctx, evt)
}

func (h *Hub) notifyObservers() {
	h.mu.Lock()
	obs := make([]observerSub, len(h.observers))
	copy(obs, h.observers)
	snapshot := make([]domain.Notification, len(h.log))
	copy(snapshot, h.log)
	h.mu.Unlock()

	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("log observer panicked", "panic", r)
				}
			}()
			o.observer(snapshot)
		}()
	}
}

// NewID returns a fresh lexicographically sortable notification id.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
