// API Gatewayのエントリポイント。
// 利用者向けのREST APIを受け付け、認証とタスクはブローカー経由のコマンドに、
// 通知は通知サービスへのHTTPに中継する。アクセストークンの検証はここで行う。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/taskhub/internal/gateway"
	"github.com/nao1215/taskhub/pkg/broker"
	"github.com/nao1215/taskhub/pkg/logger"
)

func main() {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		slog.Error("設定の読み込みに失敗", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel).With("service", "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := broker.Open(cfg.BrokerURL, log)
	if err != nil {
		log.Error("ブローカーへの接続に失敗", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	server, err := gateway.NewServer(ctx, cfg, b, log)
	if err != nil {
		log.Error("Gatewayサーバーの初期化に失敗", "error", err)
		os.Exit(1)
	}
	defer server.Close()

	if err := server.Run(ctx); err != nil {
		log.Error("Gatewayサービスが異常終了しました", "error", err)
		os.Exit(1)
	}
	log.Info("Gatewayサービスを停止しました")
}
