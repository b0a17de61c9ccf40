package migration

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("DB接続に失敗: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestCollect はマイグレーションファイルの列挙を検証する。
func TestCollect(t *testing.T) {
	t.Parallel()

	t.Run("バージョン順に並び対象外のファイルを無視すること", func(t *testing.T) {
		t.Parallel()
		fsys := fstest.MapFS{
			"m/000002_add_index.up.sql": {Data: []byte("SELECT 1;")},
			"m/000001_init.up.sql":      {Data: []byte("SELECT 1;")},
			"m/000001_init.down.sql":    {Data: []byte("SELECT 1;")},
			"m/README.md":               {Data: []byte("doc")},
			"m/latest_snapshot.up.sql":  {Data: []byte("SELECT 1;")},
			"m/noversion.up.sql":        {Data: []byte("SELECT 1;")},
		}
		steps, err := Collect(fsys, "m")
		if err != nil {
			t.Fatalf("Collect()でエラーが発生: %v", err)
		}
		if len(steps) != 2 {
			t.Fatalf("件数 = %d, want 2", len(steps))
		}
		if steps[0].Version != 1 || steps[0].Name != "init" {
			t.Errorf("steps[0] = %+v", steps[0])
		}
		if steps[1].Version != 2 || steps[1].Path != "m/000002_add_index.up.sql" {
			t.Errorf("steps[1] = %+v", steps[1])
		}
	})

	t.Run("同じバージョンが重複するとエラーになること", func(t *testing.T) {
		t.Parallel()
		fsys := fstest.MapFS{
			"m/000001_a.up.sql": {Data: []byte("SELECT 1;")},
			"m/000001_b.up.sql": {Data: []byte("SELECT 1;")},
		}
		if _, err := Collect(fsys, "m"); err == nil {
			t.Fatal("エラーが返されなかった")
		}
	})
}

// TestRun はマイグレーションの適用と冪等性を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"m/000001_init.up.sql": {Data: []byte(`CREATE TABLE items (id TEXT PRIMARY KEY);`)},
		"m/000002_seed.up.sql": {Data: []byte(`INSERT INTO items (id) VALUES ('a');`)},
	}

	t.Run("2回実行しても再適用しないこと", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)
		ctx := context.Background()

		done, err := Run(ctx, db, fsys, "m")
		if err != nil {
			t.Fatalf("Run()でエラーが発生: %v", err)
		}
		if len(done) != 2 {
			t.Fatalf("適用数 = %d, want 2", len(done))
		}

		done, err = Run(ctx, db, fsys, "m")
		if err != nil {
			t.Fatalf("2回目のRun()でエラーが発生: %v", err)
		}
		if len(done) != 0 {
			t.Errorf("2回目の適用数 = %d, want 0", len(done))
		}

		var count int
		if err := db.Get(&count, "SELECT COUNT(*) FROM items"); err != nil {
			t.Fatalf("件数取得に失敗: %v", err)
		}
		if count != 1 {
			t.Errorf("items件数 = %d, want 1", count)
		}
	})

	t.Run("SQLエラーの場合はバージョンを記録しないこと", func(t *testing.T) {
		t.Parallel()
		db := openTestDB(t)
		broken := fstest.MapFS{
			"m/000001_broken.up.sql": {Data: []byte(`CREATE TABLE (`)},
		}
		if _, err := Run(context.Background(), db, broken, "m"); err == nil {
			t.Fatal("エラーが返されなかった")
		}
		var count int
		if err := db.Get(&count, "SELECT COUNT(*) FROM schema_migrations"); err != nil {
			t.Fatalf("件数取得に失敗: %v", err)
		}
		if count != 0 {
			t.Errorf("schema_migrations件数 = %d, want 0", count)
		}
	})
}
