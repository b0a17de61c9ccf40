// Package database はサービスごとのSQLite接続の初期化を提供する。
package database

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/jmoiron/sqlx"
	// SQLiteドライバ
	_ "modernc.org/sqlite"

	"github.com/nao1215/taskhub/pkg/migration"
)

// Open はSQLiteに接続し、PRAGMAを設定したうえでfsysのdir配下のマイグレーションを適用する。
// dsnには ":memory:" も指定できる。
func Open(ctx context.Context, dsn string, fsys fs.FS, dir string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは単一ライター。:memory: も接続ごとに別DBになるため1本に固定する
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s の設定に失敗: %w", pragma, err)
		}
	}

	if _, err := migration.Run(ctx, db, fsys, dir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("マイグレーション実行に失敗: %w", err)
	}
	return db, nil
}
