package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"agentbridge/internal/domain"
)

// ticket pairs a pending confirmation with its resolution channel. The
// resolved flag makes the at-most-once guarantee structural: whichever
// goroutine wins the CompareAndSwap owns the channel, duplicate action
// events for the same id lose the swap and are ignored.
type ticket struct {
	ch       chan domain.Action
	resolved atomic.Bool
}

// Coordinator turns confirmation notifications into awaitable decisions.
// It publishes a confirmation through the hub and blocks the caller until
// the UI layer records a matching action, with no default timeout: impactful
// actions are never auto-approved, so a confirmation waits for a human (or
// for shutdown, which abandons it).
type Coordinator struct {
	hub    *Hub
	logger *slog.Logger

	mu      sync.Mutex
	tickets map[string]*ticket
	closed  bool
	unsub   func()
}

// NewCoordinator creates a Coordinator and installs its single long-lived
// listener on the confirmation action event.
func NewCoordinator(hub *Hub, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		hub:     hub,
		logger:  logger,
		tickets: make(map[string]*ticket),
	}
	c.unsub = hub.Subscribe(domain.KindConfirmation.ActionEventName(), c.onAction)
	return c
}

// RequestConfirmation publishes a confirmation notification and blocks until
// a matching action is recorded, the context is cancelled, or the coordinator
// shuts down. Callers that need a timeout wrap ctx themselves.
func (c *Coordinator) RequestConfirmation(ctx context.Context, message, source string, actions domain.ActionSet, priority domain.Priority) (domain.Action, error) {
	id := NewID()
	t := &ticket{ch: make(chan domain.Action, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", domain.NewDomainError("Coordinator.RequestConfirmation", domain.ErrConfirmationAbandoned, "coordinator is shut down")
	}
	c.tickets[id] = t
	c.mu.Unlock()

	c.hub.Publish(ctx, domain.Notification{
		ID:             id,
		Kind:           domain.KindConfirmation,
		Text:           message,
		Source:         source,
		Priority:       priority,
		RequiresAction: true,
		Actions:        &actions,
	})

	select {
	case action, ok := <-t.ch:
		if !ok {
			return "", domain.NewDomainError("Coordinator.RequestConfirmation", domain.ErrConfirmationAbandoned, id)
		}
		return action, nil
	case <-ctx.Done():
		c.discard(id, t)
		return "", ctx.Err()
	}
}

// Pending returns the number of confirmations still awaiting a decision.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}

// AbandonAll resolves every outstanding confirmation as abandoned. Waiters
// receive ErrConfirmationAbandoned, never a silent auto-confirm. Further
// RequestConfirmation calls fail immediately.
func (c *Coordinator) AbandonAll() {
	c.mu.Lock()
	c.closed = true
	abandoned := c.tickets
	c.tickets = make(map[string]*ticket)
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for id, t := range abandoned {
		if t.resolved.CompareAndSwap(false, true) {
			close(t.ch)
			c.logger.Debug("confirmation abandoned", "id", id)
		}
	}
}

// onAction is the single hub listener. It resolves the ticket matching the
// event's notification id; events for ids with no ticket (already resolved,
// or confirmations created by other producers) are ignored.
func (c *Coordinator) onAction(_ context.Context, evt domain.NotificationEvent) {
	c.mu.Lock()
	t, ok := c.tickets[evt.Notification.ID]
	if ok {
		delete(c.tickets, evt.Notification.ID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if t.resolved.CompareAndSwap(false, true) {
		t.ch <- evt.Action
	}
}

// discard removes a ticket whose waiter gave up (context cancelled) so the
// coordinator does not leak tickets for confirmations nobody awaits.
func (c *Coordinator) discard(id string, t *ticket) {
	c.mu.Lock()
	delete(c.tickets, id)
	c.mu.Unlock()
	t.resolved.Store(true)
}
