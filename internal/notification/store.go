package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUserNotFound は対象のユーザーが存在しないことを表す。
// 存在しないユーザー宛の通知を作成しようとした場合に返される。
var ErrUserNotFound = errors.New("ユーザーが見つかりません")

// ErrNotificationNotFound は対象の通知が存在しないことを表す。
var ErrNotificationNotFound = errors.New("通知が見つかりません")

// Notification はユーザーごとに永続化される通知レコード。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string
	// UserID は通知先のユーザーID。
	UserID int64
	// Message は通知メッセージ。
	Message string
	// IsRead は通知の既読状態。
	IsRead bool
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time
}

// queries は通知サービスのDBクエリ実行オブジェクト。
type queries struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// newQueries は新しいクエリ実行オブジェクトを生成する。
func newQueries(db *sql.DB) *queries {
	return &queries{db: db}
}

// CreateNotification は未読状態の新しい通知を永続化する。
// 対象ユーザーがミラーテーブルに存在しない場合はErrUserNotFoundを返し、
// 通知レコードは作成されない。
func (q *queries) CreateNotification(ctx context.Context, userID int64, message string) (*Notification, error) {
	exists, err := q.UserExists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: user_id=%d", ErrUserNotFound, userID)
	}

	n := &Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Message:   message,
		IsRead:    false,
		CreatedAt: time.Now().UTC(),
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, message, is_read, created_at) VALUES (?, ?, ?, 0, ?)`,
		n.ID, n.UserID, n.Message, n.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("通知の作成に失敗: %w", err)
	}
	return n, nil
}

// ListNotificationsByUser はユーザーの全通知を新しい順に返す。
// 作成日時が同一の場合は挿入順の逆順になる。
func (q *queries) ListNotificationsByUser(ctx context.Context, userID int64) ([]Notification, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, user_id, message, is_read, created_at FROM notifications
		 WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNotifications(rows)
}

// ListUnreadNotifications はユーザーの未読通知を新しい順に返す。
func (q *queries) ListUnreadNotifications(ctx context.Context, userID int64) ([]Notification, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, user_id, message, is_read, created_at FROM notifications
		 WHERE user_id = ? AND is_read = 0 ORDER BY created_at DESC, rowid DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("未読通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNotifications(rows)
}

// scanNotifications は取得結果の行を通知のスライスに変換する。
func scanNotifications(rows *sql.Rows) ([]Notification, error) {
	notifications := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		var isRead int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &isRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("通知行の読み取りに失敗: %w", err)
		}
		n.IsRead = isRead != 0
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// GetNotificationByID は通知をIDで取得する。
// 存在しない場合はErrNotificationNotFoundを返す。
func (q *queries) GetNotificationByID(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	var isRead int64
	err := q.db.QueryRowContext(ctx,
		`SELECT id, user_id, message, is_read, created_at FROM notifications WHERE id = ?`,
		id,
	).Scan(&n.ID, &n.UserID, &n.Message, &isRead, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	n.IsRead = isRead != 0
	return &n, nil
}

// MarkRead は指定された通知を既読にする。
func (q *queries) MarkRead(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllRead はユーザーの全未読通知を既読にし、更新件数を返す。
// 未読通知が残っていなければ何も更新しない（冪等）。
func (q *queries) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return affected, nil
}

// UpsertUser はユーザーミラーテーブルにユーザーを登録・更新する。
// usersサービスが内部APIを通じて呼び出す。
func (q *queries) UpsertUser(ctx context.Context, id int64, username, role string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO users (id, username, role) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, role = excluded.role`,
		id, username, role,
	)
	if err != nil {
		return fmt.Errorf("ユーザーミラーの更新に失敗: %w", err)
	}
	return nil
}

// UserExists はユーザーがミラーテーブルに存在するかどうかを返す。
func (q *queries) UserExists(ctx context.Context, id int64) (bool, error) {
	var one int64
	err := q.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ユーザーの存在確認に失敗: %w", err)
	}
	return true, nil
}
