package task

import "embed"

// Migrations はタスクサービスのスキーマ定義。
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir は Migrations 内のマイグレーションディレクトリ。
const MigrationsDir = "migrations"
