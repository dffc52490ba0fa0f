package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 審査状態の定義。
const (
	// StatusPending は審査待ちの状態。
	StatusPending = "pending"
	// StatusAccepted は承認された状態。
	StatusAccepted = "accepted"
	// StatusRejected は却下された状態。
	StatusRejected = "rejected"
)

// ErrDocumentNotFound は対象の書類が存在しないことを表す。
var ErrDocumentNotFound = errors.New("書類が見つかりません")

// ErrDocumentNotPending は書類が審査待ち状態でないことを表す。
// 割り当てと審査は審査待ちの書類に対してのみ行える。
var ErrDocumentNotPending = errors.New("書類は審査待ち状態ではありません")

// Document は提出された書類レコード。
type Document struct {
	// ID は書類の一意識別子（UUID）。
	ID string
	// EmployeeID は提出した社員のユーザーID。
	EmployeeID int64
	// FileName はアップロードされた元のファイル名。
	FileName string
	// FilePath はサーバー上の保存パス。
	FilePath string
	// MFO は組織コード（9文字）。
	MFO string
	// DocumentType は書類の種類。
	DocumentType string
	// Message は提出時の説明メッセージ。
	Message string
	// Status は審査状態。
	Status string
	// AssignedTo は割り当てられたアシスタントのユーザーID。未割り当てはnil。
	AssignedTo *int64
	// CreatedAt は書類の作成日時。
	CreatedAt time.Time
}

// queries はdocumentサービスのDBクエリ実行オブジェクト。
type queries struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// newQueries は新しいクエリ実行オブジェクトを生成する。
func newQueries(db *sql.DB) *queries {
	return &queries{db: db}
}

// createDocumentParams は書類作成のパラメータ。
type createDocumentParams struct {
	// EmployeeID は提出した社員のユーザーID。
	EmployeeID int64
	// FileName はアップロードされた元のファイル名。
	FileName string
	// FilePath はサーバー上の保存パス。
	FilePath string
	// MFO は組織コード。
	MFO string
	// DocumentType は書類の種類。
	DocumentType string
	// Message は提出時の説明メッセージ。
	Message string
}

// CreateDocument は審査待ち状態の新しい書類を作成する。
func (q *queries) CreateDocument(ctx context.Context, params createDocumentParams) (*Document, error) {
	d := &Document{
		ID:           uuid.New().String(),
		EmployeeID:   params.EmployeeID,
		FileName:     params.FileName,
		FilePath:     params.FilePath,
		MFO:          params.MFO,
		DocumentType: params.DocumentType,
		Message:      params.Message,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO documents (id, employee_id, file_name, file_path, mfo, document_type, message, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EmployeeID, d.FileName, d.FilePath, d.MFO, d.DocumentType, d.Message, d.Status, d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("書類の作成に失敗: %w", err)
	}
	return d, nil
}

// GetDocumentByID は書類をIDで取得する。
func (q *queries) GetDocumentByID(ctx context.Context, id string) (*Document, error) {
	var d Document
	var assignedTo sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT id, employee_id, file_name, file_path, mfo, document_type, message, status, assigned_to, created_at
		 FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.EmployeeID, &d.FileName, &d.FilePath, &d.MFO, &d.DocumentType, &d.Message, &d.Status, &assignedTo, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("書類の取得に失敗: %w", err)
	}
	if assignedTo.Valid {
		d.AssignedTo = &assignedTo.Int64
	}
	return &d, nil
}

// ListByEmployee は社員が提出した全書類を新しい順に返す。
func (q *queries) ListByEmployee(ctx context.Context, employeeID int64) ([]Document, error) {
	return q.listDocuments(ctx,
		`SELECT id, employee_id, file_name, file_path, mfo, document_type, message, status, assigned_to, created_at
		 FROM documents WHERE employee_id = ? ORDER BY created_at DESC, rowid DESC`, employeeID)
}

// ListPendingUnassigned は審査待ちかつ未割り当ての書類を新しい順に返す。
// 部長の割り当て画面で使用する。
func (q *queries) ListPendingUnassigned(ctx context.Context) ([]Document, error) {
	return q.listDocuments(ctx,
		`SELECT id, employee_id, file_name, file_path, mfo, document_type, message, status, assigned_to, created_at
		 FROM documents WHERE status = ? AND assigned_to IS NULL ORDER BY created_at DESC, rowid DESC`, StatusPending)
}

// ListPendingAssignedTo はアシスタントに割り当てられた審査待ちの書類を新しい順に返す。
func (q *queries) ListPendingAssignedTo(ctx context.Context, assistantID int64) ([]Document, error) {
	return q.listDocuments(ctx,
		`SELECT id, employee_id, file_name, file_path, mfo, document_type, message, status, assigned_to, created_at
		 FROM documents WHERE status = ? AND assigned_to = ? ORDER BY created_at DESC, rowid DESC`, StatusPending, assistantID)
}

// listDocuments は書類一覧を取得する共通処理。
func (q *queries) listDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("書類一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	documents := make([]Document, 0)
	for rows.Next() {
		var d Document
		var assignedTo sql.NullInt64
		if err := rows.Scan(&d.ID, &d.EmployeeID, &d.FileName, &d.FilePath, &d.MFO, &d.DocumentType,
			&d.Message, &d.Status, &assignedTo, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("書類行の読み取りに失敗: %w", err)
		}
		if assignedTo.Valid {
			d.AssignedTo = &assignedTo.Int64
		}
		documents = append(documents, d)
	}
	return documents, rows.Err()
}

// AssignDocument は審査待ちの書類をアシスタントに割り当てる。
// 書類が審査待ちでない場合はErrDocumentNotPendingを返す。
func (q *queries) AssignDocument(ctx context.Context, id string, assistantID int64) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE documents SET assigned_to = ? WHERE id = ? AND status = ?`,
		assistantID, id, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("書類の割り当てに失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrDocumentNotPending
	}
	return nil
}

// UpdateStatus は審査待ちの書類の審査状態を更新する。
// 書類が審査待ちでない場合はErrDocumentNotPendingを返す。
func (q *queries) UpdateStatus(ctx context.Context, id string, status string) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE documents SET status = ? WHERE id = ? AND status = ?`,
		status, id, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("審査状態の更新に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrDocumentNotPending
	}
	return nil
}
