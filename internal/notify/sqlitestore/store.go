// Package sqlitestore provides a SQLite-backed notification store.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/Tyrowin/gochat-realtime/internal/notify"
)

//go:embed schema.sql
var schema string

// Store persists notifications and delivery rows in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ notify.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// NotifiedUsers implements notify.Store.
func (s *Store) NotifiedUsers(ctx context.Context, dedupeKey string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT DISTINCT un.user_id
FROM user_notifications un
JOIN notifications n ON n.id = un.notification_id
WHERE n.dedupe_key = ?
ORDER BY un.user_id`, dedupeKey)
	if err != nil {
		return nil, fmt.Errorf("query notified users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan notified user: %w", err)
		}
		out = append(out, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query notified users: %w", err)
	}
	return out, nil
}

// AddNotification implements notify.Store. With a dedupe key each delivery
// row is inserted only if no row exists for that user under the key, so the
// check and the insert are one statement inside the transaction.
func (s *Store) AddNotification(ctx context.Context, n notify.Notification, recipients []string) ([]string, error) {
	if strings.TrimSpace(n.ID) == "" {
		return nil, fmt.Errorf("notification id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := toMillis(n.CreatedAt)
	if _, err := tx.ExecContext(ctx, `
INSERT INTO notifications (id, kind, actor_id, dedupe_key, title, body, link, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Kind, n.ActorID, n.DedupeKey, n.Title, n.Body, n.Link, createdAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("notification %s already exists: %w", n.ID, err)
		}
		return nil, fmt.Errorf("insert notification: %w", err)
	}

	insert := insertDelivery
	if n.DedupeKey != "" {
		insert = insertDeliveryOnce
	}
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return nil, fmt.Errorf("prepare delivery insert: %w", err)
	}
	defer stmt.Close()

	stored := make([]string, 0, len(recipients))
	for _, userID := range recipients {
		args := []any{n.ID, userID, notify.StatusPending, createdAt}
		if n.DedupeKey != "" {
			args = append(args, n.DedupeKey, userID)
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("insert delivery for %s: %w", userID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("insert delivery for %s: %w", userID, err)
		}
		if affected == 1 {
			stored = append(stored, userID)
		}
	}
	if len(stored) == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit notification: %w", err)
	}
	return stored, nil
}

const insertDelivery = `
INSERT INTO user_notifications (notification_id, user_id, status, created_at)
VALUES (?, ?, ?, ?)`

const insertDeliveryOnce = `
INSERT INTO user_notifications (notification_id, user_id, status, created_at)
SELECT ?, ?, ?, ?
WHERE NOT EXISTS (
    SELECT 1 FROM user_notifications un
    JOIN notifications n ON n.id = un.notification_id
    WHERE n.dedupe_key = ? AND un.user_id = ?
)`

// Notification implements notify.Store.
func (s *Store) Notification(ctx context.Context, id string) (notify.Notification, error) {
	var (
		n         notify.Notification
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, kind, actor_id, dedupe_key, title, body, link, created_at
FROM notifications WHERE id = ?`, id).Scan(
		&n.ID, &n.Kind, &n.ActorID, &n.DedupeKey, &n.Title, &n.Body, &n.Link, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Notification{}, notify.ErrNotFound
	}
	if err != nil {
		return notify.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	n.CreatedAt = fromMillis(createdAt)
	return n, nil
}

// Recipients implements notify.Store.
func (s *Store) Recipients(ctx context.Context, notificationID string) ([]notify.UserNotification, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT notification_id, user_id, status, created_at, delivered_at
FROM user_notifications WHERE notification_id = ?
ORDER BY user_id`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var out []notify.UserNotification
	for rows.Next() {
		var (
			row         notify.UserNotification
			createdAt   int64
			deliveredAt sql.NullInt64
		)
		if err := rows.Scan(&row.NotificationID, &row.UserID, &row.Status, &createdAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		row.CreatedAt = fromMillis(createdAt)
		if deliveredAt.Valid {
			at := fromMillis(deliveredAt.Int64)
			row.DeliveredAt = &at
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	if len(out) == 0 {
		return nil, notify.ErrNotFound
	}
	return out, nil
}

// ClaimDelivery implements notify.Store. The status guard in the UPDATE makes
// concurrent claims race on a single row transition.
func (s *Store) ClaimDelivery(ctx context.Context, notificationID, userID string, at time.Time) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE user_notifications SET status = ?, delivered_at = ?
WHERE notification_id = ? AND user_id = ? AND status = ?`,
		notify.StatusDelivered, toMillis(at), notificationID, userID, notify.StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	if affected == 1 {
		return true, nil
	}
	exists, err := s.deliveryExists(ctx, notificationID, userID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, notify.ErrNotFound
	}
	return false, nil
}

// ReleaseDelivery implements notify.Store.
func (s *Store) ReleaseDelivery(ctx context.Context, notificationID, userID string) error {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE user_notifications SET status = ?, delivered_at = NULL
WHERE notification_id = ? AND user_id = ?`,
		notify.StatusPending, notificationID, userID,
	)
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	if affected == 0 {
		return notify.ErrNotFound
	}
	return nil
}

func (s *Store) deliveryExists(ctx context.Context, notificationID, userID string) (bool, error) {
	var one int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM user_notifications WHERE notification_id = ? AND user_id = ?`,
		notificationID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
