package notification

import "embed"

// Migrations は通知サービスのスキーマ定義。
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir は Migrations 内のマイグレーションディレクトリ。
const MigrationsDir = "migrations"
