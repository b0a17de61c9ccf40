package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/taskhub/pkg/broker"
	"github.com/nao1215/taskhub/pkg/httpclient"
	"github.com/nao1215/taskhub/pkg/middleware"
	"github.com/nao1215/taskhub/pkg/rpc"
)

// shutdownTimeout はHTTPサーバーの停止を待つ上限。
const shutdownTimeout = 10 * time.Second

// Caller は下流サービスへのコマンド呼び出し。rpc.Client が満たす。
type Caller interface {
	Call(ctx context.Context, command string, payload any, out any) error
}

// Server はAPI GatewayのHTTPサーバー。
// 利用者向けのREST APIを受け付け、認証とタスクはコマンド呼び出しに、
// 通知はHTTPで通知サービスに中継する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービスの設定。
	cfg Config
	// broker はコマンド呼び出しに使うブローカー。
	broker broker.Broker
	// auth は認証サービスの呼び出し。
	auth Caller
	// tasks はタスクサービスの呼び出し。
	tasks Caller
	// notifications は通知サービスのHTTPクライアント。
	notifications *httpclient.Client
	// clients はClose時に閉じるRPCクライアント。
	clients []*rpc.Client
	// logger はサービスのロガー。
	logger *slog.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
// 認証サービスとタスクサービスへのRPCクライアントはここで応答キューを宣言する。
func NewServer(ctx context.Context, cfg Config, b broker.Broker, logger *slog.Logger) (*Server, error) {
	authClient, err := rpc.NewClient(ctx, b, cfg.AuthQueue, logger, rpc.WithTimeout(cfg.RPCTimeout))
	if err != nil {
		return nil, fmt.Errorf("認証サービスのクライアント生成に失敗: %w", err)
	}
	taskClient, err := rpc.NewClient(ctx, b, cfg.TaskQueue, logger, rpc.WithTimeout(cfg.RPCTimeout))
	if err != nil {
		authClient.Close()
		return nil, fmt.Errorf("タスクサービスのクライアント生成に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:        router,
		cfg:           cfg,
		broker:        b,
		auth:          authClient,
		tasks:         taskClient,
		notifications: httpclient.New(cfg.NotificationURL),
		clients:       []*rpc.Client{authClient, taskClient},
		logger:        logger.With("component", "gateway"),
	}
	s.setupRoutes()
	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はctxがキャンセルされるまでHTTPサーバーを動かす。
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTPサーバーを起動します", "port", s.cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーが異常終了しました: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close はRPCクライアントを閉じる。待機中の呼び出しは失敗する。
func (s *Server) Close() {
	for _, c := range s.clients {
		c.Close()
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// 認証（トークン不要）
	auth := s.router.Group("/api/auth")
	{
		auth.POST("/register", s.handleRegister())
		auth.POST("/login", s.handleLogin())
		auth.POST("/refresh", s.handleRefresh())
		auth.POST("/logout", s.handleLogout())
	}

	api := s.router.Group("/api")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		tasks := api.Group("/tasks")
		{
			tasks.POST("", s.handleCreateTask())
			tasks.GET("", s.handleListTasks())
			tasks.GET("/:id", s.handleFindTask())
			tasks.PUT("/:id", s.handleUpdateTask())
			tasks.DELETE("/:id", s.handleDeleteTask())
			tasks.POST("/:id/comments", s.handleCreateComment())
			tasks.GET("/:id/comments", s.handleListComments())
			tasks.GET("/:id/history", s.handleTaskHistory())
		}

		// 通知（通知サービスへ中継）
		notifications := api.Group("/notifications")
		{
			notifications.GET("", s.handleNotificationProxy(http.MethodGet, "/api/v1/notifications"))
			notifications.GET("/unread-count", s.handleNotificationProxy(http.MethodGet, "/api/v1/notifications/unread-count"))
			notifications.PUT("/read-all", s.handleNotificationProxy(http.MethodPut, "/api/v1/notifications/read-all"))
			notifications.PUT("/:id/read", s.handleNotificationProxy(http.MethodPut, "/api/v1/notifications/:id/read"))
		}
	}

	s.router.GET("/health", s.handleHealth())
}

// handleHealth はヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if !s.broker.Healthy() {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "service": "gateway"})
	}
}
