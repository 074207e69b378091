package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-realtime/internal/notify"
)

type recordingDeliverer struct {
	mu      sync.Mutex
	sent    map[string]int
	failFor map[string]bool
}

func newRecordingDeliverer(failFor ...string) *recordingDeliverer {
	d := &recordingDeliverer{sent: make(map[string]int), failFor: make(map[string]bool)}
	for _, id := range failFor {
		d.failFor[id] = true
	}
	return d
}

func (d *recordingDeliverer) Deliver(_ context.Context, userID string, _ notify.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[userID] {
		return errors.New("provider unavailable")
	}
	d.sent[userID]++
	return nil
}

func (d *recordingDeliverer) count(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[userID]
}

func seedNotification(t *testing.T, store *notify.MemoryStore, recipients ...string) notify.Task {
	t.Helper()
	n := notify.Notification{ID: "n1", Kind: notify.KindDirectMessage, ActorID: "alice", CreatedAt: time.Now()}
	_, err := store.AddNotification(context.Background(), n, recipients)
	require.NoError(t, err)
	return notify.Task{ID: "t1", Kind: notify.TaskDeliverNotification, NotificationID: "n1", UserIDs: recipients}
}

func TestProcessDeliversEachUserOnce(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := notify.NewMemoryQueue(4)
	deliverer := newRecordingDeliverer()
	worker := notify.NewWorker(queue, queue, store, deliverer, 3, zerolog.Nop())

	task := seedNotification(t, store, "bob", "carol")
	require.NoError(t, worker.Process(context.Background(), task))
	require.NoError(t, worker.Process(context.Background(), task), "redelivered task is a no-op")

	assert.Equal(t, 1, deliverer.count("bob"))
	assert.Equal(t, 1, deliverer.count("carol"))

	rows, err := store.Recipients(context.Background(), "n1")
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, notify.StatusDelivered, row.Status)
		assert.NotNil(t, row.DeliveredAt)
	}
	assert.Zero(t, queue.Len())
}

func TestProcessRequeuesFailedUsers(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := notify.NewMemoryQueue(4)
	deliverer := newRecordingDeliverer("carol")
	worker := notify.NewWorker(queue, queue, store, deliverer, 3, zerolog.Nop())

	task := seedNotification(t, store, "bob", "carol")
	require.NoError(t, worker.Process(context.Background(), task))

	retry, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, retry.UserIDs)
	assert.Equal(t, 1, retry.Attempt)

	rows, err := store.Recipients(context.Background(), "n1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, notify.StatusDelivered, rows[0].Status)
	assert.Equal(t, notify.StatusPending, rows[1].Status, "failed delivery is released")
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := notify.NewMemoryQueue(4)
	worker := notify.NewWorker(queue, queue, store, newRecordingDeliverer("bob"), 2, zerolog.Nop())

	task := seedNotification(t, store, "bob")
	task.Attempt = 1

	err := worker.Process(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Zero(t, queue.Len())
}

func TestProcessUnknownNotification(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := notify.NewMemoryQueue(1)
	worker := notify.NewWorker(queue, queue, store, newRecordingDeliverer(), 3, zerolog.Nop())

	err := worker.Process(context.Background(), notify.Task{Kind: notify.TaskDeliverNotification, NotificationID: "missing"})
	assert.ErrorIs(t, err, notify.ErrNotFound)
}

func TestProcessIgnoresUnknownKind(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := notify.NewMemoryQueue(1)
	worker := notify.NewWorker(queue, queue, store, newRecordingDeliverer(), 3, zerolog.Nop())

	assert.NoError(t, worker.Process(context.Background(), notify.Task{Kind: "compact_index"}))
}

func TestRunDrainsQueueAndStopsOnClose(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := notify.NewMemoryQueue(4)
	deliverer := newRecordingDeliverer()
	worker := notify.NewWorker(queue, queue, store, deliverer, 3, zerolog.Nop())

	task := seedNotification(t, store, "bob")
	require.NoError(t, queue.Enqueue(context.Background(), task))
	queue.Close()

	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after queue close")
	}
	assert.Equal(t, 1, deliverer.count("bob"))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	queue := notify.NewMemoryQueue(1)
	worker := notify.NewWorker(queue, queue, notify.NewMemoryStore(), newRecordingDeliverer(), 3, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestMemoryQueueRejectsWhenFullOrClosed(t *testing.T) {
	queue := notify.NewMemoryQueue(1)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, notify.Task{ID: "a"}))
	assert.ErrorIs(t, queue.Enqueue(ctx, notify.Task{ID: "b"}), notify.ErrQueueFull)

	queue.Close()
	assert.ErrorIs(t, queue.Enqueue(ctx, notify.Task{ID: "c"}), notify.ErrQueueClosed)

	task, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", task.ID)

	_, err = queue.Dequeue(ctx)
	assert.ErrorIs(t, err, notify.ErrQueueClosed)
}

func TestMemoryStoreClaimIsExclusive(t *testing.T) {
	store := notify.NewMemoryStore()
	seedNotification(t, store, "bob")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimDelivery(context.Background(), "n1", "bob", time.Now())
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	_, err := store.ClaimDelivery(context.Background(), "n1", "nobody", time.Now())
	assert.ErrorIs(t, err, notify.ErrNotFound)
}
