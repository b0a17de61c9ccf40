package auth

import "embed"

// Migrations は認証サービスのスキーマ定義。
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir は Migrations 内のマイグレーションディレクトリ。
const MigrationsDir = "migrations"
