package migration

import (
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

// testMigrations はテスト用のマイグレーションファイル集合。
// バージョン順がファイル列挙順と異なることを確認するため、逆順で定義する。
var testMigrations = fstest.MapFS{
	"migrations/000002_add_role.up.sql": &fstest.MapFile{
		Data: []byte(`ALTER TABLE accounts ADD COLUMN role TEXT NOT NULL DEFAULT 'employee';`),
	},
	"migrations/000001_create_accounts.up.sql": &fstest.MapFile{
		Data: []byte(`CREATE TABLE accounts (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);`),
	},
	"migrations/README.md": &fstest.MapFile{
		Data: []byte("SQLファイル以外は無視される"),
	},
}

// openTestDB はテスト用のインメモリSQLiteを開く。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestRun はマイグレーションの適用を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("マイグレーションがバージョン順に適用されること", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)

		if err := Run(db, testMigrations, "migrations"); err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}

		// 000002のALTERが成功しているなら000001が先に適用されている
		if _, err := db.Exec(`INSERT INTO accounts (name, role) VALUES ('ivanov', 'manager')`); err != nil {
			t.Errorf("マイグレーション後のテーブルが不正: %v", err)
		}

		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
			t.Fatalf("適用バージョンの取得に失敗: %v", err)
		}
		if count != 2 {
			t.Errorf("適用されたマイグレーションの数 = %d, want 2", count)
		}
	})

	t.Run("再実行しても適用済みのマイグレーションはスキップされること", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)

		if err := Run(db, testMigrations, "migrations"); err != nil {
			t.Fatalf("1回目のRun()でエラーが発生: %v", err)
		}
		// 2回目の実行でCREATE TABLEが再実行されればエラーになる
		if err := Run(db, testMigrations, "migrations"); err != nil {
			t.Fatalf("2回目のRun()でエラーが発生: %v", err)
		}
	})

	t.Run("不正なSQLの適用でエラーが返りロールバックされること", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)

		broken := fstest.MapFS{
			"migrations/000001_broken.up.sql": &fstest.MapFile{
				Data: []byte(`CREATE TABLE broken (;`),
			},
		}

		if err := Run(db, broken, "migrations"); err == nil {
			t.Fatal("不正なSQLのRun()がエラーを返すべき")
		}

		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
			t.Fatalf("適用バージョンの取得に失敗: %v", err)
		}
		if count != 0 {
			t.Errorf("失敗したマイグレーションが記録されている: count = %d, want 0", count)
		}
	})

	t.Run("存在しないディレクトリの場合はエラーが返ること", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)

		if err := Run(db, testMigrations, "nonexistent"); err == nil {
			t.Fatal("存在しないディレクトリのRun()がエラーを返すべき")
		}
	})
}
