package database

import (
	"context"
	"testing"
	"testing/fstest"
)

// TestOpen はマイグレーション適用済みの接続が得られることを検証する。
func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("マイグレーションが適用され外部キーが有効になること", func(t *testing.T) {
		t.Parallel()
		fsys := fstest.MapFS{
			"migrations/000001_init.up.sql": {Data: []byte(`
				CREATE TABLE parents (id TEXT PRIMARY KEY);
				CREATE TABLE children (
					id TEXT PRIMARY KEY,
					parent_id TEXT NOT NULL REFERENCES parents(id)
				);`)},
		}
		db, err := Open(context.Background(), ":memory:", fsys, "migrations")
		if err != nil {
			t.Fatalf("Open()でエラーが発生: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })

		var fk int
		if err := db.Get(&fk, "PRAGMA foreign_keys"); err != nil {
			t.Fatalf("PRAGMA取得に失敗: %v", err)
		}
		if fk != 1 {
			t.Errorf("foreign_keys = %d, want 1", fk)
		}

		if _, err := db.Exec("INSERT INTO children (id, parent_id) VALUES ('c1', 'missing')"); err == nil {
			t.Error("外部キー違反がエラーにならなかった")
		}
	})

	t.Run("マイグレーションディレクトリがない場合はエラーになること", func(t *testing.T) {
		t.Parallel()
		if _, err := Open(context.Background(), ":memory:", fstest.MapFS{}, "migrations"); err == nil {
			t.Fatal("エラーが返されなかった")
		}
	})
}
