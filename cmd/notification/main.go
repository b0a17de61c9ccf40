// 通知サービスのエントリポイント。
// タスクのドメインイベントを購読して通知を保存し、接続中の利用者にWebSocketでプッシュする。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/taskhub/internal/notification"
	"github.com/nao1215/taskhub/pkg/broker"
	"github.com/nao1215/taskhub/pkg/database"
	"github.com/nao1215/taskhub/pkg/logger"
)

func main() {
	cfg, err := notification.LoadConfig()
	if err != nil {
		slog.Error("設定の読み込みに失敗", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel).With("service", "notification")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseDSN, notification.Migrations, notification.MigrationsDir)
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

	if err := notification.NewServer(cfg, db, b, log).Run(ctx); err != nil {
		log.Error("通知サービスが異常終了しました", "error", err)
		os.Exit(1)
	}
	log.Info("通知サービスを停止しました")
}
