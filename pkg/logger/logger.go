// Package logger は構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New は指定レベルのJSONロガーを生成し、デフォルトロガーとして設定する。
// 不明なレベルはinfoとして扱う。
func New(level string) *slog.Logger {
	l := newWithWriter(os.Stdout, level)
	slog.SetDefault(l)
	return l
}

// newWithWriter は出力先を指定してJSONロガーを生成する。
func newWithWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

// Discard はログを出力しないロガーを返す。テストで使用する。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// parseLevel はログレベル文字列をslog.Levelに変換する。
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
