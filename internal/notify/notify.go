// Package notify turns real-time events into durable notifications and
// hands their delivery to an asynchronous task queue, keeping both off the
// live fan-out path.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a notification record was not found.
	ErrNotFound = errors.New("notification not found")
	// ErrQueueFull indicates a bounded queue rejected a task.
	ErrQueueFull = errors.New("task queue is full")
	// ErrQueueClosed indicates the queue no longer accepts or yields tasks.
	ErrQueueClosed = errors.New("task queue is closed")
)

// Delivery statuses of a UserNotification.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
)

// Notification kinds.
const (
	KindDirectMessage  = "direct_message"
	KindChannelMessage = "channel_message"
	KindReaction       = "reaction"
	KindChannelInvite  = "channel_invite"
	KindWorkspaceAdded = "workspace_added"
)

// TaskDeliverNotification delivers one notification to its pending recipients.
const TaskDeliverNotification = "deliver_notification"

// Notification is one durable notification record.
type Notification struct {
	ID        string
	Kind      string
	ActorID   string
	DedupeKey string
	Title     string
	Body      string
	Link      string
	CreatedAt time.Time
}

// UserNotification is the per-recipient delivery row of a Notification.
type UserNotification struct {
	NotificationID string
	UserID         string
	Status         string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

// Notice is what producers hand to the Relay. DedupeKey names the logical
// event; a user is notified at most once per key.
type Notice struct {
	ActorID   string
	UserIDs   []string
	Kind      string
	DedupeKey string
	Title     string
	Body      string
	Link      string
}

// Task is one unit of asynchronous work. Task bodies are idempotent, so a
// queue may deliver a task more than once.
type Task struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`
	NotificationID string   `json:"notification_id"`
	UserIDs        []string `json:"user_ids"`
	Attempt        int      `json:"attempt"`
}

// Store persists notifications and their delivery rows.
type Store interface {
	// NotifiedUsers lists users that already have a delivery row for dedupeKey.
	NotifiedUsers(ctx context.Context, dedupeKey string) ([]string, error)
	// AddNotification stores n and one pending row per recipient atomically.
	// When n.DedupeKey is set, recipients already notified under that key
	// are skipped as part of the same write. It returns the recipients that
	// were stored; when none remain, nothing is stored.
	AddNotification(ctx context.Context, n Notification, recipients []string) ([]string, error)
	// Notification loads one notification.
	Notification(ctx context.Context, id string) (Notification, error)
	// Recipients lists the delivery rows of a notification.
	Recipients(ctx context.Context, notificationID string) ([]UserNotification, error)
	// ClaimDelivery moves a pending row to delivered and reports whether this
	// call performed the transition.
	ClaimDelivery(ctx context.Context, notificationID, userID string, at time.Time) (bool, error)
	// ReleaseDelivery moves a delivered row back to pending.
	ReleaseDelivery(ctx context.Context, notificationID, userID string) error
}

// TaskQueue accepts tasks for asynchronous processing.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
}

// TaskSource yields queued tasks, blocking until one is available.
type TaskSource interface {
	Dequeue(ctx context.Context) (Task, error)
}
