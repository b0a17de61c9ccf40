// タスクサービスのエントリポイント。
// タスクとコメントのコマンドを処理し、コミット後にドメインイベントを発行する。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/taskhub/internal/task"
	"github.com/nao1215/taskhub/pkg/broker"
	"github.com/nao1215/taskhub/pkg/database"
	"github.com/nao1215/taskhub/pkg/logger"
)

func main() {
	cfg, err := task.LoadConfig()
	if err != nil {
		slog.Error("設定の読み込みに失敗", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel).With("service", "task")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseDSN, task.Migrations, task.MigrationsDir)
	if err != nil {
		log.Error("データベースの初期化に失敗", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	b, err := broker.Open(cfg.BrokerURL, log)
	if err != nil {
		log.Error("ブローカーへの接続に失敗", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	if err := task.NewServer(cfg, db, b, log).Run(ctx); err != nil {
		log.Error("タスクサービスが異常終了しました", "error", err)
		os.Exit(1)
	}
	log.Info("タスクサービスを停止しました")
}
