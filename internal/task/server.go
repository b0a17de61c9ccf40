package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/taskhub/pkg/broker"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/rpc"
)

// タスクサービスが受け付けるコマンド名。
const (
	CommandCreateTask       = "create_task"
	CommandFindAllTasks     = "find_all_tasks"
	CommandFindTask         = "find_task"
	CommandUpdateTask       = "update_task"
	CommandDeleteTask       = "delete_task"
	CommandCreateComment    = "create_comment"
	CommandFindTaskComments = "find_task_comments"
	CommandFindTaskHistory  = "find_task_history"
)

// CreateTaskPayload はcreate_taskコマンドの引数。
type CreateTaskPayload struct {
	DTO    CreateTaskInput `json:"dto"`
	UserID string          `json:"userId" validate:"required"`
}

// FindTaskPayload はfind_task / find_task_historyコマンドの引数。
type FindTaskPayload struct {
	ID string `json:"id" validate:"required"`
}

// UpdateTaskPayload はupdate_taskコマンドの引数。
type UpdateTaskPayload struct {
	ID     string          `json:"id" validate:"required"`
	DTO    UpdateTaskInput `json:"dto"`
	UserID string          `json:"userId" validate:"required"`
}

// DeleteTaskPayload はdelete_taskコマンドの引数。
type DeleteTaskPayload struct {
	ID     string `json:"id" validate:"required"`
	UserID string `json:"userId" validate:"required"`
}

// CreateCommentPayload はcreate_commentコマンドの引数。
type CreateCommentPayload struct {
	TaskID   string             `json:"taskId" validate:"required"`
	DTO      CreateCommentInput `json:"dto"`
	AuthorID string             `json:"authorId" validate:"required"`
}

// FindTaskCommentsPayload はfind_task_commentsコマンドの引数。
type FindTaskCommentsPayload struct {
	TaskID string `json:"taskId" validate:"required"`
	Page   int    `json:"page" validate:"omitempty,min=1"`
	Size   int    `json:"size" validate:"omitempty,min=1,max=100"`
}

// Server はタスクサービスのコマンドサーバー。
type Server struct {
	// service はタスク操作。
	service *Service
	// broker はイベント発行とコマンド購読に使うブローカー。
	broker broker.Broker
	// rpc はコマンドキューの購読とハンドラの呼び出しを行う。
	rpc *rpc.Server
	// subscribers は起動時に宣言するイベントの購読キュー。
	subscribers []string
	// logger はサービスのロガー。
	logger *slog.Logger
}

// NewServer は新しいタスクサーバーを生成する。dbはマイグレーション適用済みであること。
func NewServer(cfg Config, db *sqlx.DB, b broker.Broker, logger *slog.Logger, opts ...ServiceOption) *Server {
	s := &Server{
		service:     NewService(NewStore(db), event.NewPublisher(b, logger), cfg, logger, opts...),
		broker:      b,
		rpc:         rpc.NewServer(b, cfg.Queue, cfg.Prefetch, logger),
		subscribers: cfg.EventSubscribers,
		logger:      logger,
	}
	s.setupHandlers()
	return s
}

// Run はイベントの交換機と購読キューを宣言し、ctxがキャンセルされるまでコマンドを処理する。
func (s *Server) Run(ctx context.Context) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}
	return s.rpc.Serve(ctx)
}

// Setup はイベント用の交換機と購読キューを宣言する。
func (s *Server) Setup(ctx context.Context) error {
	if err := event.DeclareTopology(ctx, s.broker); err != nil {
		return fmt.Errorf("イベント交換機の宣言に失敗: %w", err)
	}
	for _, queue := range s.subscribers {
		if err := event.DeclareSubscription(ctx, s.broker, queue); err != nil {
			return err
		}
	}
	return nil
}

// setupHandlers はコマンドとハンドラを対応付ける。
func (s *Server) setupHandlers() {
	s.rpc.Handle(CommandCreateTask, s.handleCreateTask())
	s.rpc.Handle(CommandFindAllTasks, s.handleFindAllTasks())
	s.rpc.Handle(CommandFindTask, s.handleFindTask())
	s.rpc.Handle(CommandUpdateTask, s.handleUpdateTask())
	s.rpc.Handle(CommandDeleteTask, s.handleDeleteTask())
	s.rpc.Handle(CommandCreateComment, s.handleCreateComment())
	s.rpc.Handle(CommandFindTaskComments, s.handleFindTaskComments())
	s.rpc.Handle(CommandFindTaskHistory, s.handleFindTaskHistory())
}

// handleCreateTask はタスク作成コマンドのハンドラ。
func (s *Server) handleCreateTask() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in CreateTaskPayload
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		return s.service.CreateTask(ctx, in.DTO, in.UserID)
	}
}

// handleFindAllTasks はタスク一覧コマンドのハンドラ。
func (s *Server) handleFindAllTasks() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in PageInput
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		return s.service.ListTasks(ctx, in)
	}
}

// handleFindTask はタスク取得コマンドのハンドラ。
func (s *Server) handleFindTask() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in FindTaskPayload
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		return s.service.FindTask(ctx, in.ID)
	}
}

// handleUpdateTask はタスク更新コマンドのハンドラ。
func (s *Server) handleUpdateTask() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in UpdateTaskPayload
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		return s.service.UpdateTask(ctx, in.ID, in.DTO, in.UserID)
	}
}

// handleDeleteTask はタスク削除コマンドのハンドラ。
func (s *Server) handleDeleteTask() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in DeleteTaskPayload
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		if err := s.service.DeleteTask(ctx, in.ID, in.UserID); err != nil {
			return nil, err
		}
		return map[string]bool{"success": true}, nil
	}
}

// handleCreateComment はコメント追加コマンドのハンドラ。
func (s *Server) handleCreateComment() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in CreateCommentPayload
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		return s.service.CreateComment(ctx, in.TaskID, in.DTO, in.AuthorID)
	}
}

// handleFindTaskComments はコメント一覧コマンドのハンドラ。
func (s *Server) handleFindTaskComments() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in FindTaskCommentsPayload
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		return s.service.ListComments(ctx, in.TaskID, PageInput{Page: in.Page, Size: in.Size})
	}
}

// handleFindTaskHistory は変更履歴取得コマンドのハンドラ。
func (s *Server) handleFindTaskHistory() rpc.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in FindTaskPayload
		if err := rpc.DecodePayload(payload, &in); err != nil {
			return nil, err
		}
		return s.service.History(ctx, in.ID)
	}
}
