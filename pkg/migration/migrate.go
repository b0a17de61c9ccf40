// Package migration はSQLiteデータベースのスキーママイグレーションを管理する。
// 各サービスはembed.FSでSQLファイルを同梱し、起動時に Run で未適用分を適用する。
package migration

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// upSuffix はマイグレーションファイルの拡張子。
const upSuffix = ".up.sql"

// Step は適用対象の1マイグレーションを表す。
type Step struct {
	// Version はファイル名先頭の連番
	Version int
	// Name はファイル名の説明部分
	Name string
	// Path はfs.FS内のパス
	Path string
}

// Run はdir配下の *.up.sql をバージョン順に適用し、適用したバージョンを返す。
// 適用済みのバージョンはスキップするため、何度呼び出しても結果は変わらない。
// ファイル名形式: 000001_description.up.sql
func Run(ctx context.Context, db *sqlx.DB, fsys fs.FS, dir string) ([]int, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	var versions []int
	if err := db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations"); err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}
	applied := make(map[int]struct{}, len(versions))
	for _, v := range versions {
		applied[v] = struct{}{}
	}

	steps, err := Collect(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	var done []int
	for _, s := range steps {
		if _, ok := applied[s.Version]; ok {
			continue
		}
		if err := apply(ctx, db, fsys, s); err != nil {
			return done, fmt.Errorf("マイグレーション %06d の適用に失敗: %w", s.Version, err)
		}
		slog.Info("マイグレーションを適用しました", "version", s.Version, "name", s.Name)
		done = append(done, s.Version)
	}
	return done, nil
}

// Collect はdir配下のup.sqlファイルをバージョン順に列挙する。
// 連番として解釈できないファイルは無視する。
func Collect(fsys fs.FS, dir string) ([]Step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var steps []Step
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), upSuffix) {
			continue
		}
		prefix, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("バージョン %06d が重複しています: %s, %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()
		steps = append(steps, Step{
			Version: version,
			Name:    strings.TrimSuffix(rest, upSuffix),
			Path:    path.Join(dir, entry.Name()),
		})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

// apply は1つのマイグレーションとバージョン記録を同一トランザクションで実行する。
func apply(ctx context.Context, db *sqlx.DB, fsys fs.FS, s Step) error {
	content, err := fs.ReadFile(fsys, s.Path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		s.Version, s.Name, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
