package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/taskhub/pkg/broker"
	"github.com/nao1215/taskhub/pkg/middleware"
)

// shutdownTimeout はHTTPサーバーの停止を待つ上限。
const shutdownTimeout = 10 * time.Second

// Server は通知サービスのサーバー。
// イベントの購読、WebSocketのプッシュ、通知APIを1つのプロセスで提供する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービスの設定。
	cfg Config
	// broker はイベントを購読するブローカー。
	broker broker.Broker
	// store は通知の永続化。
	store *Store
	// registry は接続中のセッション。
	registry *Registry
	// consumer はドメインイベントの購読処理。
	consumer *Consumer
	// push はWebSocket接続の受け付け。
	push *PushGateway
	// logger はサービスのロガー。
	logger *slog.Logger
}

// NewServer は新しい通知サーバーを生成する。dbはマイグレーション適用済みであること。
func NewServer(cfg Config, db *sqlx.DB, b broker.Broker, logger *slog.Logger) *Server {
	store := NewStore(db)
	registry := NewRegistry()

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:   router,
		cfg:      cfg,
		broker:   b,
		store:    store,
		registry: registry,
		consumer: NewConsumer(b, store, registry, cfg, logger),
		push:     NewPushGateway(registry, store, cfg, logger),
		logger:   logger.With("component", "notification-server"),
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はキューを宣言し、ctxがキャンセルされるまでイベントの購読とHTTPサーバーを動かす。
func (s *Server) Run(ctx context.Context) error {
	if err := s.consumer.Setup(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.consumer.Run(gctx)
	})
	g.Go(func() error {
		s.logger.Info("HTTPサーバーを起動します", "port", s.cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーが異常終了しました: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.push.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読件数取得
			notifications.GET("/unread-count", s.handleUnreadCount())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}
	}

	// リアルタイム通知
	s.router.GET("/ws", s.push.handleWebSocket())

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
}
