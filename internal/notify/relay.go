package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Relay persists notifications and enqueues their delivery. It never
// returns an error: failures are logged and swallowed so they cannot affect
// the real-time path that produced the notice.
type Relay struct {
	store   Store
	queue   TaskQueue
	timeout time.Duration
	clock   func() time.Time
	newID   func() string
	logger  zerolog.Logger
}

// RelayOption customises a Relay.
type RelayOption func(*Relay)

// WithClock overrides the relay's clock.
func WithClock(clock func() time.Time) RelayOption {
	return func(r *Relay) { r.clock = clock }
}

// WithIDGenerator overrides notification and task id generation.
func WithIDGenerator(newID func() string) RelayOption {
	return func(r *Relay) { r.newID = newID }
}

// WithTimeout bounds the time one Notify call may spend on the store and queue.
func WithTimeout(d time.Duration) RelayOption {
	return func(r *Relay) { r.timeout = d }
}

// NewRelay returns a Relay writing to store and queue.
func NewRelay(store Store, queue TaskQueue, logger zerolog.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		store:   store,
		queue:   queue,
		timeout: 5 * time.Second,
		clock:   time.Now,
		newID:   uuid.NewString,
		logger:  logger.With().Str("component", "relay").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify records notice for its affected users and enqueues delivery. The
// actor and users already notified for the same dedupe key are skipped; the
// store applies the dedupe check in the same write as the insert. Delivery
// is enqueued only after the records are stored.
func (r *Relay) Notify(ctx context.Context, notice Notice) {
	log := r.logger.With().Str("kind", notice.Kind).Str("dedupe_key", notice.DedupeKey).Logger()

	ctx = context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	skip := map[string]struct{}{notice.ActorID: {}}
	candidates := make([]string, 0, len(notice.UserIDs))
	for _, userID := range notice.UserIDs {
		if userID == "" {
			continue
		}
		if _, ok := skip[userID]; ok {
			continue
		}
		skip[userID] = struct{}{}
		candidates = append(candidates, userID)
	}
	if len(candidates) == 0 {
		return
	}

	n := Notification{
		ID:        r.newID(),
		Kind:      notice.Kind,
		ActorID:   notice.ActorID,
		DedupeKey: notice.DedupeKey,
		Title:     notice.Title,
		Body:      notice.Body,
		Link:      notice.Link,
		CreatedAt: r.clock().UTC(),
	}
	recipients, err := r.store.AddNotification(ctx, n, candidates)
	if err != nil {
		log.Error().Err(err).Int("recipients", len(candidates)).Msg("Failed to store notification")
		return
	}
	if len(recipients) == 0 {
		log.Debug().Msg("Every recipient already notified")
		return
	}

	task := Task{
		ID:             r.newID(),
		Kind:           TaskDeliverNotification,
		NotificationID: n.ID,
		UserIDs:        recipients,
	}
	if err := r.queue.Enqueue(ctx, task); err != nil {
		log.Error().Err(err).Str("notification", n.ID).Msg("Failed to enqueue notification delivery")
		return
	}
	log.Debug().Str("notification", n.ID).Int("recipients", len(recipients)).Msg("Notification queued")
}
