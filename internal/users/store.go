package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ロールの定義。
const (
	// RoleEmployee は書類を提出する社員。
	RoleEmployee = "employee"
	// RoleManager は書類をアシスタントに割り当てる部長。
	RoleManager = "manager"
	// RoleAssistant は割り当てられた書類を審査するアシスタント。
	RoleAssistant = "assistant"
)

// roleDisplayNames はロールの表示名。通知メッセージに使用する。
// 画面表示はロシア語のため、表示名もロシア語になっている。
var roleDisplayNames = map[string]string{
	RoleEmployee:  "Сотрудник",
	RoleManager:   "Начальник",
	RoleAssistant: "Помощник",
}

// ValidRole はロールが定義済みのものかどうかを返す。
func ValidRole(role string) bool {
	_, ok := roleDisplayNames[role]
	return ok
}

// RoleDisplayName はロールの表示名を返す。未定義のロールはそのまま返す。
func RoleDisplayName(role string) string {
	if name, ok := roleDisplayNames[role]; ok {
		return name
	}
	return role
}

// ErrUserNotFound は対象のユーザーが存在しないことを表す。
var ErrUserNotFound = errors.New("ユーザーが見つかりません")

// ErrUsernameTaken はユーザー名が既に使用されていることを表す。
var ErrUsernameTaken = errors.New("ユーザー名は既に使用されています")

// ErrRoleRequestNotFound は対象のロール申請が存在しないことを表す。
var ErrRoleRequestNotFound = errors.New("ロール申請が見つかりません")

// ErrRoleRequestPending は未決定のロール申請が既に存在することを表す。
var ErrRoleRequestPending = errors.New("未決定のロール申請が既に存在します")

// ErrRoleRequestDecided はロール申請が既に決定済みであることを表す。
var ErrRoleRequestDecided = errors.New("ロール申請は既に決定済みです")

// User はユーザーレコード。
type User struct {
	// ID はユーザーの一意識別子。
	ID int64
	// Username はユーザー名（ログインID）。
	Username string
	// PasswordHash はbcryptでハッシュ化されたパスワード。
	PasswordHash string
	// Role はユーザーのロール。
	Role string
	// IsAdmin は管理者権限の有無。
	IsAdmin bool
	// CreatedAt はユーザーの作成日時。
	CreatedAt time.Time
}

// RoleRequest はロール変更申請レコード。
type RoleRequest struct {
	// ID は申請の一意識別子。
	ID int64
	// UserID は申請したユーザーのID。
	UserID int64
	// Username は申請したユーザーのユーザー名。
	Username string
	// RequestedRole は申請されたロール。
	RequestedRole string
	// IsApproved は承認結果。nilは未決定。
	IsApproved *bool
	// CreatedAt は申請の作成日時。
	CreatedAt time.Time
}

// queries はusersサービスのDBクエリ実行オブジェクト。
type queries struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// newQueries は新しいクエリ実行オブジェクトを生成する。
func newQueries(db *sql.DB) *queries {
	return &queries{db: db}
}

// CreateUser は新しいユーザーを作成し、発行されたユーザーIDを返す。
// ユーザー名が既に使用されている場合はErrUsernameTakenを返す。
func (q *queries) CreateUser(ctx context.Context, username, passwordHash, role string, isAdmin bool) (int64, error) {
	var exists int64
	err := q.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE username = ?`, username).Scan(&exists)
	if err == nil {
		return 0, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("ユーザー名の重複確認に失敗: %w", err)
	}

	result, err := q.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, is_admin) VALUES (?, ?, ?, ?)`,
		username, passwordHash, role, boolToInt(isAdmin),
	)
	if err != nil {
		return 0, fmt.Errorf("ユーザーの作成に失敗: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ユーザーIDの取得に失敗: %w", err)
	}
	return id, nil
}

// GetUserByUsername はユーザーをユーザー名で取得する。
func (q *queries) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return q.getUser(ctx, `SELECT id, username, password_hash, role, is_admin, created_at FROM users WHERE username = ?`, username)
}

// GetUserByID はユーザーをIDで取得する。
func (q *queries) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return q.getUser(ctx, `SELECT id, username, password_hash, role, is_admin, created_at FROM users WHERE id = ?`, id)
}

// getUser は1件のユーザーを取得する共通処理。
func (q *queries) getUser(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	var isAdmin int64
	err := q.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Role, &isAdmin, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	u.IsAdmin = isAdmin != 0
	return &u, nil
}

// ListUsersByRole は指定されたロールのユーザーを返す。
// roleが空の場合は全ユーザーを返す。
func (q *queries) ListUsersByRole(ctx context.Context, role string) ([]User, error) {
	query := `SELECT id, username, password_hash, role, is_admin, created_at FROM users ORDER BY username`
	args := []any{}
	if role != "" {
		query = `SELECT id, username, password_hash, role, is_admin, created_at FROM users WHERE role = ? ORDER BY username`
		args = append(args, role)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := make([]User, 0)
	for rows.Next() {
		var u User
		var isAdmin int64
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &isAdmin, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("ユーザー行の読み取りに失敗: %w", err)
		}
		u.IsAdmin = isAdmin != 0
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListAdmins は管理者権限を持つ全ユーザーを返す。
func (q *queries) ListAdmins(ctx context.Context) ([]User, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, username, password_hash, role, is_admin, created_at FROM users WHERE is_admin = 1`)
	if err != nil {
		return nil, fmt.Errorf("管理者一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	admins := make([]User, 0)
	for rows.Next() {
		var u User
		var isAdmin int64
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &isAdmin, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("ユーザー行の読み取りに失敗: %w", err)
		}
		u.IsAdmin = isAdmin != 0
		admins = append(admins, u)
	}
	return admins, rows.Err()
}

// UpdateUserRole はユーザーのロールを変更する。
func (q *queries) UpdateUserRole(ctx context.Context, id int64, role string) error {
	result, err := q.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return fmt.Errorf("ロールの変更に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: user_id=%d", ErrUserNotFound, id)
	}
	return nil
}

// CreateRoleRequest は新しいロール変更申請を作成し、申請IDを返す。
// 同じユーザーに未決定の申請が残っている場合はErrRoleRequestPendingを返す。
func (q *queries) CreateRoleRequest(ctx context.Context, userID int64, requestedRole string) (int64, error) {
	var pending int64
	err := q.db.QueryRowContext(ctx,
		`SELECT 1 FROM role_requests WHERE user_id = ? AND is_approved IS NULL`, userID).Scan(&pending)
	if err == nil {
		return 0, ErrRoleRequestPending
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("未決定申請の確認に失敗: %w", err)
	}

	result, err := q.db.ExecContext(ctx,
		`INSERT INTO role_requests (user_id, requested_role) VALUES (?, ?)`,
		userID, requestedRole,
	)
	if err != nil {
		return 0, fmt.Errorf("ロール申請の作成に失敗: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("申請IDの取得に失敗: %w", err)
	}
	return id, nil
}

// GetRoleRequestByID はロール申請をIDで取得する。
func (q *queries) GetRoleRequestByID(ctx context.Context, id int64) (*RoleRequest, error) {
	var r RoleRequest
	var isApproved sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT r.id, r.user_id, u.username, r.requested_role, r.is_approved, r.created_at
		 FROM role_requests r JOIN users u ON u.id = r.user_id
		 WHERE r.id = ?`, id,
	).Scan(&r.ID, &r.UserID, &r.Username, &r.RequestedRole, &isApproved, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ロール申請の取得に失敗: %w", err)
	}
	if isApproved.Valid {
		approved := isApproved.Int64 != 0
		r.IsApproved = &approved
	}
	return &r, nil
}

// ListPendingRoleRequests は未決定のロール申請を古い順に返す。
func (q *queries) ListPendingRoleRequests(ctx context.Context) ([]RoleRequest, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT r.id, r.user_id, u.username, r.requested_role, r.is_approved, r.created_at
		 FROM role_requests r JOIN users u ON u.id = r.user_id
		 WHERE r.is_approved IS NULL ORDER BY r.created_at, r.id`)
	if err != nil {
		return nil, fmt.Errorf("ロール申請一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	requests := make([]RoleRequest, 0)
	for rows.Next() {
		var r RoleRequest
		var isApproved sql.NullInt64
		if err := rows.Scan(&r.ID, &r.UserID, &r.Username, &r.RequestedRole, &isApproved, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("申請行の読み取りに失敗: %w", err)
		}
		if isApproved.Valid {
			approved := isApproved.Int64 != 0
			r.IsApproved = &approved
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// DecideRoleRequest はロール申請の承認結果を記録する。
// 既に決定済みの申請を再決定しようとした場合はErrRoleRequestDecidedを返す。
func (q *queries) DecideRoleRequest(ctx context.Context, id int64, approved bool) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE role_requests SET is_approved = ? WHERE id = ? AND is_approved IS NULL`,
		boolToInt(approved), id,
	)
	if err != nil {
		return fmt.Errorf("ロール申請の決定に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrRoleRequestDecided
	}
	return nil
}

// boolToInt はSQLiteのINTEGER列に格納するためにboolを変換する。
func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
