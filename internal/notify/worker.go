package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Deliverer sends one notification to one user through an outside channel
// such as mail or mobile push.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, n Notification) error
}

// LogDeliverer only logs deliveries. It stands in where no mail or push
// provider is configured.
type LogDeliverer struct {
	Logger zerolog.Logger
}

// Deliver implements Deliverer.
func (d LogDeliverer) Deliver(_ context.Context, userID string, n Notification) error {
	d.Logger.Info().Str("user", userID).Str("notification", n.ID).Str("kind", n.Kind).Str("title", n.Title).Msg("Notification delivered")
	return nil
}

// Worker consumes delivery tasks. Each delivery row is claimed before the
// deliverer runs, so a task delivered twice notifies each user once.
type Worker struct {
	source      TaskSource
	retry       TaskQueue
	store       Store
	deliverer   Deliverer
	maxAttempts int
	idleBackoff time.Duration
	clock       func() time.Time
	logger      zerolog.Logger
}

// NewWorker returns a Worker reading from source and re-enqueueing failed
// deliveries on retry until maxAttempts is reached.
func NewWorker(source TaskSource, retry TaskQueue, store Store, deliverer Deliverer, maxAttempts int, logger zerolog.Logger) *Worker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Worker{
		source:      source,
		retry:       retry,
		store:       store,
		deliverer:   deliverer,
		maxAttempts: maxAttempts,
		idleBackoff: time.Second,
		clock:       time.Now,
		logger:      logger.With().Str("component", "notify-worker").Logger(),
	}
}

// Run processes tasks until ctx is done or the source is closed.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("Notification worker started")
	defer w.logger.Info().Msg("Notification worker stopped")

	for {
		task, err := w.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return nil
			}
			w.logger.Error().Err(err).Msg("Failed to dequeue task")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.idleBackoff):
			}
			continue
		}

		if err := w.Process(ctx, task); err != nil {
			w.logger.Error().Err(err).Str("task", task.ID).Msg("Task failed")
		}
	}
}

// Process runs one task.
func (w *Worker) Process(ctx context.Context, task Task) error {
	if task.Kind != TaskDeliverNotification {
		w.logger.Warn().Str("task", task.ID).Str("kind", task.Kind).Msg("Ignoring task of unknown kind")
		return nil
	}

	n, err := w.store.Notification(ctx, task.NotificationID)
	if err != nil {
		return fmt.Errorf("load notification %s: %w", task.NotificationID, err)
	}

	var failed []string
	for _, userID := range task.UserIDs {
		claimed, err := w.store.ClaimDelivery(ctx, n.ID, userID, w.clock().UTC())
		if err != nil {
			w.logger.Error().Err(err).Str("notification", n.ID).Str("user", userID).Msg("Failed to claim delivery")
			failed = append(failed, userID)
			continue
		}
		if !claimed {
			continue
		}
		if err := w.deliverer.Deliver(ctx, userID, n); err != nil {
			w.logger.Warn().Err(err).Str("notification", n.ID).Str("user", userID).Msg("Delivery failed")
			if releaseErr := w.store.ReleaseDelivery(ctx, n.ID, userID); releaseErr != nil {
				w.logger.Error().Err(releaseErr).Str("notification", n.ID).Str("user", userID).Msg("Failed to release delivery")
				continue
			}
			failed = append(failed, userID)
		}
	}

	if len(failed) == 0 {
		return nil
	}
	if task.Attempt+1 >= w.maxAttempts {
		return fmt.Errorf("notification %s undelivered to %d users after %d attempts", n.ID, len(failed), task.Attempt+1)
	}

	retry := task
	retry.UserIDs = failed
	retry.Attempt++
	if err := w.retry.Enqueue(ctx, retry); err != nil {
		return fmt.Errorf("requeue notification %s: %w", n.ID, err)
	}
	return nil
}
