package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-realtime/internal/notify"
)

type mockRedis struct {
	mock.Mock
}

func (m *mockRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	args := m.Called(ctx, key, values)
	return args.Get(0).(*redis.IntCmd)
}

func (m *mockRedis) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	args := m.Called(ctx, timeout, keys)
	return args.Get(0).(*redis.StringSliceCmd)
}

func intCmd(val int64, err error) *redis.IntCmd {
	cmd := redis.NewIntCmd(context.Background())
	cmd.SetVal(val)
	cmd.SetErr(err)
	return cmd
}

func sliceCmd(val []string, err error) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(context.Background())
	cmd.SetVal(val)
	cmd.SetErr(err)
	return cmd
}

func encodedTask(t *testing.T, task notify.Task) string {
	t.Helper()
	b, err := json.Marshal(task)
	require.NoError(t, err)
	return string(b)
}

func TestNewRejectsNilClient(t *testing.T) {
	_, err := New(nil, "", zerolog.Nop())
	assert.Error(t, err)
}

func TestEnqueuePushesJSON(t *testing.T) {
	client := new(mockRedis)
	q, err := New(client, "", zerolog.Nop())
	require.NoError(t, err)

	task := notify.Task{ID: "t1", Kind: notify.TaskDeliverNotification, NotificationID: "n1", UserIDs: []string{"bob"}}
	client.On("LPush", mock.Anything, DefaultKey, mock.MatchedBy(func(values []interface{}) bool {
		if len(values) != 1 {
			return false
		}
		var got notify.Task
		return json.Unmarshal(values[0].([]byte), &got) == nil && got.NotificationID == "n1"
	})).Return(intCmd(1, nil))

	require.NoError(t, q.Enqueue(context.Background(), task))
	client.AssertExpectations(t)
}

func TestEnqueueWrapsRedisError(t *testing.T) {
	client := new(mockRedis)
	q, err := New(client, "tasks", zerolog.Nop())
	require.NoError(t, err)

	boom := errors.New("connection refused")
	client.On("LPush", mock.Anything, "tasks", mock.Anything).Return(intCmd(0, boom))

	err = q.Enqueue(context.Background(), notify.Task{ID: "t1"})
	assert.ErrorIs(t, err, boom)
}

func TestDequeueSkipsTimeoutsAndPoison(t *testing.T) {
	client := new(mockRedis)
	q, err := New(client, "tasks", zerolog.Nop())
	require.NoError(t, err)

	want := notify.Task{ID: "t2", Kind: notify.TaskDeliverNotification, NotificationID: "n2", UserIDs: []string{"carol"}, Attempt: 1}
	client.On("BRPop", mock.Anything, mock.Anything, []string{"tasks"}).Return(sliceCmd(nil, redis.Nil)).Once()
	client.On("BRPop", mock.Anything, mock.Anything, []string{"tasks"}).Return(sliceCmd([]string{"tasks", "{not json"}, nil)).Once()
	client.On("BRPop", mock.Anything, mock.Anything, []string{"tasks"}).Return(sliceCmd([]string{"tasks", encodedTask(t, want)}, nil)).Once()

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	client.AssertNumberOfCalls(t, "BRPop", 3)
}

func TestDequeueReturnsRedisError(t *testing.T) {
	client := new(mockRedis)
	q, err := New(client, "tasks", zerolog.Nop())
	require.NoError(t, err)

	boom := errors.New("READONLY")
	client.On("BRPop", mock.Anything, mock.Anything, []string{"tasks"}).Return(sliceCmd(nil, boom))

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestDequeueHonoursCancelledContext(t *testing.T) {
	client := new(mockRedis)
	q, err := New(client, "tasks", zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	client.AssertNotCalled(t, "BRPop", mock.Anything, mock.Anything, mock.Anything)
}

func TestWorkerConsumesRedisQueue(t *testing.T) {
	client := new(mockRedis)
	q, err := New(client, "tasks", zerolog.Nop())
	require.NoError(t, err)

	store := notify.NewMemoryStore()
	_, err = store.AddNotification(context.Background(), notify.Notification{ID: "n1", Kind: notify.KindReaction}, []string{"bob"})
	require.NoError(t, err)
	task := notify.Task{ID: "t1", Kind: notify.TaskDeliverNotification, NotificationID: "n1", UserIDs: []string{"bob"}}

	ctx, cancel := context.WithCancel(context.Background())
	client.On("BRPop", mock.Anything, mock.Anything, []string{"tasks"}).Return(sliceCmd([]string{"tasks", encodedTask(t, task)}, nil)).Once()
	client.On("BRPop", mock.Anything, mock.Anything, []string{"tasks"}).Run(func(mock.Arguments) { cancel() }).Return(sliceCmd(nil, context.Canceled))

	worker := notify.NewWorker(q, q, store, notify.LogDeliverer{Logger: zerolog.Nop()}, 3, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	rows, err := store.Recipients(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, notify.StatusDelivered, rows[0].Status)
}
