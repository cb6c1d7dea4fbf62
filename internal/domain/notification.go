package domain

import (
	"context"
	"time"
)

// NotificationKind identifies what a notification represents. The set is
// closed: every kind maps to exactly one listener event name via EventName.
type NotificationKind string

const (
	KindAlert        NotificationKind = "alert"
	KindInfo         NotificationKind = "info"
	KindSuccess      NotificationKind = "success"
	KindMessage      NotificationKind = "message"
	KindCode         NotificationKind = "code"
	KindFile         NotificationKind = "file"
	KindFeedback     NotificationKind = "feedback"
	KindConfirmation NotificationKind = "confirmation"
)

// Priority orders notifications for the operator.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Action is an operator decision on a confirmation notification.
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionCancel  Action = "cancel"
	ActionDefer   Action = "defer"
)

// ActionSet holds the button labels offered for a confirmation.
// ConfirmLabel is mandatory whenever RequiresAction is set.
type ActionSet struct {
	ConfirmLabel string `json:"confirm_label"`
	CancelLabel  string `json:"cancel_label,omitempty"`
	DeferLabel   string `json:"defer_label,omitempty"`
}

// Notification is an event surfaced to the human operator. The hub is the
// sole mutator; producers enqueue, consumers read snapshots.
type Notification struct {
	ID             string            `json:"id"`
	Kind           NotificationKind  `json:"kind"`
	Text           string            `json:"text"`
	CreatedAt      time.Time         `json:"created_at"`
	Source         string            `json:"source,omitempty"`
	Category       string            `json:"category,omitempty"`
	Priority       Priority          `json:"priority"`
	Read           bool              `json:"read"`
	RequiresAction bool              `json:"requires_action"`
	Actions        *ActionSet        `json:"actions,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EventName returns the listener event a notification of this kind is
// dispatched on. The switch is exhaustive over the closed kind set; adding a
// kind without a mapping falls through to the kind itself, never to a
// different kind's event.
func (k NotificationKind) EventName() string {
	switch k {
	case KindConfirmation:
		return "confirmation_needed"
	case KindAlert, KindInfo, KindSuccess, KindMessage, KindCode, KindFile, KindFeedback:
		return string(k)
	}
	return string(k)
}

// ActionEventName returns the event emitted when an action is recorded on a
// notification of this kind (e.g. "confirmation_action").
func (k NotificationKind) ActionEventName() string {
	return string(k) + "_action"
}

// NotificationEvent is the envelope delivered to hub listeners. Action is set
// only on "<kind>_action" events.
type NotificationEvent struct {
	Name         string
	Notification Notification
	Action       Action
}

// NotificationListener receives hub events. Listeners run synchronously on
// the publishing goroutine; panics are recovered and logged by the hub.
type NotificationListener func(ctx context.Context, evt NotificationEvent)

// LogObserver receives a full snapshot of the undismissed notification log
// whenever it changes. Observers are not expected to diff incrementally.
type LogObserver func(snapshot []Notification)

// NotificationSink is the narrow publishing interface components depend on,
// so producers do not see the hub's mutation surface.
type NotificationSink interface {
	Publish(ctx context.Context, n Notification)
}
