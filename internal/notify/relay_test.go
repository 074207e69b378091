package notify_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-realtime/internal/notify"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) NotifiedUsers(ctx context.Context, dedupeKey string) ([]string, error) {
	args := m.Called(ctx, dedupeKey)
	var out []string
	if v, ok := args.Get(0).([]string); ok {
		out = v
	}
	return out, args.Error(1)
}

func (m *mockStore) AddNotification(ctx context.Context, n notify.Notification, recipients []string) ([]string, error) {
	args := m.Called(ctx, n, recipients)
	var out []string
	if v, ok := args.Get(0).([]string); ok {
		out = v
	}
	return out, args.Error(1)
}

func (m *mockStore) Notification(ctx context.Context, id string) (notify.Notification, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(notify.Notification), args.Error(1)
}

func (m *mockStore) Recipients(ctx context.Context, notificationID string) ([]notify.UserNotification, error) {
	args := m.Called(ctx, notificationID)
	return args.Get(0).([]notify.UserNotification), args.Error(1)
}

func (m *mockStore) ClaimDelivery(ctx context.Context, notificationID, userID string, at time.Time) (bool, error) {
	args := m.Called(ctx, notificationID, userID, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) ReleaseDelivery(ctx context.Context, notificationID, userID string) error {
	args := m.Called(ctx, notificationID, userID)
	return args.Error(0)
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, task notify.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestNotifyStoresThenEnqueues(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := notify.NewMemoryQueue(8)
	relay := notify.NewRelay(store, queue, zerolog.Nop(), notify.WithIDGenerator(sequentialIDs()))

	relay.Notify(context.Background(), notify.Notice{
		ActorID:   "alice",
		UserIDs:   []string{"bob", "carol", "bob", "alice", ""},
		Kind:      notify.KindChannelMessage,
		DedupeKey: "message:m1",
		Title:     "New message",
	})

	rows, err := store.Recipients(context.Background(), "id-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "bob", rows[0].UserID)
	assert.Equal(t, "carol", rows[1].UserID)
	assert.Equal(t, notify.StatusPending, rows[0].Status)

	task, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, notify.Task{
		ID:             "id-2",
		Kind:           notify.TaskDeliverNotification,
		NotificationID: "id-1",
		UserIDs:        []string{"bob", "carol"},
	}, task)
}

func TestNotifyIsIdempotentPerDedupeKey(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := notify.NewMemoryQueue(8)
	relay := notify.NewRelay(store, queue, zerolog.Nop())

	notice := notify.Notice{ActorID: "alice", UserIDs: []string{"bob"}, Kind: notify.KindDirectMessage, DedupeKey: "message:m1"}
	relay.Notify(context.Background(), notice)
	relay.Notify(context.Background(), notice)

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, queue.Len())

	notice.UserIDs = []string{"bob", "carol"}
	relay.Notify(context.Background(), notice)

	assert.Equal(t, 2, store.Len(), "only carol is new")
	assert.Equal(t, 2, queue.Len())
}

// slowStore widens the window between concurrent Notify calls.
type slowStore struct {
	*notify.MemoryStore
	delay time.Duration
}

func (s slowStore) AddNotification(ctx context.Context, n notify.Notification, recipients []string) ([]string, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.AddNotification(ctx, n, recipients)
}

func TestConcurrentNotifyNotifiesEachUserOnce(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := notify.NewMemoryQueue(16)
	relay := notify.NewRelay(slowStore{MemoryStore: store, delay: 5 * time.Millisecond}, queue, zerolog.Nop())

	notice := notify.Notice{ActorID: "alice", UserIDs: []string{"bob"}, Kind: notify.KindReaction, DedupeKey: "message:m1"}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Notify(context.Background(), notice)
		}()
	}
	wg.Wait()

	notified, err := store.NotifiedUsers(context.Background(), "message:m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, notified)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, queue.Len())
}

func TestNotifySkipsEnqueueWhenStoreStoresNobody(t *testing.T) {
	store := new(mockStore)
	queue := new(mockQueue)
	store.On("AddNotification", mock.Anything, mock.Anything, []string{"bob"}).Return(nil, nil)

	notify.NewRelay(store, queue, zerolog.Nop()).Notify(context.Background(), notify.Notice{ActorID: "alice", UserIDs: []string{"bob"}, DedupeKey: "message:m1"})

	store.AssertExpectations(t)
	queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestNotifyActorOnlyDoesNothing(t *testing.T) {
	store := new(mockStore)
	queue := new(mockQueue)
	relay := notify.NewRelay(store, queue, zerolog.Nop())

	relay.Notify(context.Background(), notify.Notice{ActorID: "alice", UserIDs: []string{"alice"}, Kind: notify.KindReaction})

	store.AssertNotCalled(t, "AddNotification", mock.Anything, mock.Anything, mock.Anything)
	queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestNotifyDoesNotEnqueueWhenStoreFails(t *testing.T) {
	store := new(mockStore)
	queue := new(mockQueue)
	store.On("AddNotification", mock.Anything, mock.Anything, []string{"bob"}).Return(nil, errors.New("disk full"))

	relay := notify.NewRelay(store, queue, zerolog.Nop())
	assert.NotPanics(t, func() {
		relay.Notify(context.Background(), notify.Notice{ActorID: "alice", UserIDs: []string{"bob"}, DedupeKey: "message:m1"})
	})

	store.AssertExpectations(t)
	queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestNotifySwallowsEnqueueFailure(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := new(mockQueue)
	queue.On("Enqueue", mock.Anything, mock.AnythingOfType("notify.Task")).Return(notify.ErrQueueFull)

	relay := notify.NewRelay(store, queue, zerolog.Nop())
	relay.Notify(context.Background(), notify.Notice{ActorID: "alice", UserIDs: []string{"bob"}})

	assert.Equal(t, 1, store.Len())
	queue.AssertExpectations(t)
}

func TestNotifySurvivesCancelledCaller(t *testing.T) {
	store := notify.NewMemoryStore()
	queue := notify.NewMemoryQueue(8)
	relay := notify.NewRelay(store, queue, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	relay.Notify(ctx, notify.Notice{ActorID: "alice", UserIDs: []string{"bob"}})

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, queue.Len())
}
