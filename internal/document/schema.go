package document

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS documents (
    -- 書類の一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- 提出した社員のユーザーID
    employee_id INTEGER NOT NULL,
    -- アップロードされた元のファイル名
    file_name TEXT NOT NULL,
    -- サーバー上の保存パス
    file_path TEXT NOT NULL,
    -- 組織コード（9文字）
    mfo TEXT NOT NULL,
    -- 書類の種類
    document_type TEXT NOT NULL,
    -- 提出時の説明メッセージ
    message TEXT NOT NULL,
    -- 審査状態（pending / accepted / rejected）
    status TEXT NOT NULL DEFAULT 'pending',
    -- 割り当てられたアシスタントのユーザーID。未割り当てはNULL
    assigned_to INTEGER,
    -- 書類の作成日時
    created_at DATETIME NOT NULL
);

-- 審査状態と割り当てでの検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_documents_status_assigned
    ON documents(status, assigned_to);

-- 社員ごとの書類検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_documents_employee
    ON documents(employee_id);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
