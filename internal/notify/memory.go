package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu            sync.Mutex
	notifications map[string]Notification
	deliveries    map[string]map[string]*UserNotification // notification id -> user id
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[string]Notification),
		deliveries:    make(map[string]map[string]*UserNotification),
	}
}

// NotifiedUsers implements Store.
func (s *MemoryStore) NotifiedUsers(_ context.Context, dedupeKey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, n := range s.notifications {
		if n.DedupeKey != dedupeKey {
			continue
		}
		for userID := range s.deliveries[id] {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AddNotification implements Store.
func (s *MemoryStore) AddNotification(_ context.Context, n Notification, recipients []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := make(map[string]struct{})
	if n.DedupeKey != "" {
		for id, existing := range s.notifications {
			if existing.DedupeKey != n.DedupeKey {
				continue
			}
			for userID := range s.deliveries[id] {
				skip[userID] = struct{}{}
			}
		}
	}

	rows := make(map[string]*UserNotification, len(recipients))
	stored := make([]string, 0, len(recipients))
	for _, userID := range recipients {
		if _, ok := skip[userID]; ok {
			continue
		}
		skip[userID] = struct{}{}
		rows[userID] = &UserNotification{
			NotificationID: n.ID,
			UserID:         userID,
			Status:         StatusPending,
			CreatedAt:      n.CreatedAt,
		}
		stored = append(stored, userID)
	}
	if len(stored) == 0 {
		return nil, nil
	}

	s.notifications[n.ID] = n
	s.deliveries[n.ID] = rows
	return stored, nil
}

// Notification implements Store.
func (s *MemoryStore) Notification(_ context.Context, id string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return n, nil
}

// Recipients implements Store.
func (s *MemoryStore) Recipients(_ context.Context, notificationID string) ([]UserNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.deliveries[notificationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]UserNotification, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ClaimDelivery implements Store.
func (s *MemoryStore) ClaimDelivery(_ context.Context, notificationID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.deliveries[notificationID][userID]
	if !ok {
		return false, ErrNotFound
	}
	if row.Status != StatusPending {
		return false, nil
	}
	row.Status = StatusDelivered
	row.DeliveredAt = &at
	return true, nil
}

// ReleaseDelivery implements Store.
func (s *MemoryStore) ReleaseDelivery(_ context.Context, notificationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.deliveries[notificationID][userID]
	if !ok {
		return ErrNotFound
	}
	row.Status = StatusPending
	row.DeliveredAt = nil
	return nil
}

// Len reports how many notifications are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications)
}

// MemoryQueue is a bounded in-process TaskQueue and TaskSource.
type MemoryQueue struct {
	tasks  chan Task
	mu     sync.RWMutex
	closed bool
}

var (
	_ TaskQueue  = (*MemoryQueue)(nil)
	_ TaskSource = (*MemoryQueue)(nil)
)

// NewMemoryQueue returns a queue holding at most capacity tasks.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{tasks: make(chan Task, capacity)}
}

// Enqueue adds task without blocking; a full queue returns ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a task is available, the queue is closed and drained,
// or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return Task{}, ErrQueueClosed
		}
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Len reports how many tasks are waiting.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// Close stops accepting tasks. Queued tasks can still be dequeued.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}
