package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/taskhub/pkg/broker"
	"github.com/nao1215/taskhub/pkg/rpc"
)

// 認証サービスが受け付けるコマンド名。
const (
	CommandRegister = "register"
	CommandLogin    = "login"
	CommandRefresh  = "refresh"
	CommandLogout   = "logout"
)

// purgeInterval は期限切れリフレッシュトークンを掃除する間隔。
const purgeInterval = time.Hour

// Server は認証サービスのコマンドサーバー。
type Server struct {
	// service は認証処理。
	service *Service
	// rpc はコマンドキューの購読とハンドラの呼び出しを行う。
	rpc *rpc.Server
	// logger はサービスのロガー。
	logger *slog.Logger
}

// NewServer は新しい認証サーバーを生成する。dbはマイグレーション適用済みであること。
func NewServer(cfg Config, db *sqlx.DB, b broker.Broker, logger *slog.Logger, opts ...ServiceOption) *Server {
	s := &Server{
		service: NewService(NewStore(db), cfg, logger, opts...),
		rpc:     rpc.NewServer(b, cfg.Queue, cfg.Prefetch, logger),
		logger:  logger,
	}
	s.setupHandlers()
	return s
}

// Run はctxがキャンセルされるまでコマンドを処理する。
func (s *Server) Run(ctx context.Context) error {
	go s.purgeLoop(ctx)
	return s.rpc.Serve(ctx)
}

// setupHandlers はコマンドとハンドラを対応付ける。
func (s *Server) setupHandlers() {
	s.rpc.Handle(CommandRegister, s.handleRegister())
	s.rpc.Handle(CommandLogin, s.handleLogin())
	s.rpc.Handle(CommandRefresh, s.handleRefresh())
	s.rpc.Handle(CommandLogout, s.handleLogout())
}

// handleRegister はユーザー登録コマンドのハンドラ。
func (s *Server) handleRegister() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in RegisterInput
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		return s.service.Register(ctx, in)
	}
}

// handleLogin はログインコマンドのハンドラ。
func (s *Server) handleLogin() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in LoginInput
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		return s.service.Login(ctx, in)
	}
}

// handleRefresh はアクセストークン再発行コマンドのハンドラ。
func (s *Server) handleRefresh() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in RefreshInput
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		return s.service.Refresh(ctx, in)
	}
}

// handleLogout はリフレッシュトークン失効コマンドのハンドラ。
func (s *Server) handleLogout() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in RefreshInput
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		if err := s.service.Logout(ctx, in); err != nil {
			return nil, err
		}
		return map[string]bool{"success": true}, nil
	}
}

// purgeLoop は期限切れのリフレッシュトークンを定期的に削除する。
func (s *Server) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.service.PurgeExpired(ctx)
			if err != nil {
				s.logger.Warn("期限切れトークンの削除に失敗", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("期限切れトークンを削除しました", "count", n)
			}
		}
	}
}
