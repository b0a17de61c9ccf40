package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/taskhub/internal/auth"
	"github.com/nao1215/taskhub/internal/task"
	"github.com/nao1215/taskhub/pkg/apperr"
	"github.com/nao1215/taskhub/pkg/httpclient"
	"github.com/nao1215/taskhub/pkg/middleware"
	"github.com/nao1215/taskhub/pkg/rpc"
)

// handleRegister はユーザー登録を認証サービスに中継するハンドラ。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if !bindJSON(c, &req) {
			return
		}
		var out json.RawMessage
		if err := s.auth.Call(c.Request.Context(), auth.CommandRegister, auth.RegisterInput(req), &out); err != nil {
			s.respondError(c, auth.CommandRegister, err)
			return
		}
		c.Data(http.StatusCreated, gin.MIMEJSON, out)
	}
}

// handleLogin はログインを認証サービスに中継するハンドラ。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if !bindJSON(c, &req) {
			return
		}
		var out json.RawMessage
		if err := s.auth.Call(c.Request.Context(), auth.CommandLogin, auth.LoginInput(req), &out); err != nil {
			s.respondError(c, auth.CommandLogin, err)
			return
		}
		c.Data(http.StatusOK, gin.MIMEJSON, out)
	}
}

// handleRefresh はアクセストークンの再発行を認証サービスに中継するハンドラ。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshRequest
		if !bindJSON(c, &req) {
			return
		}
		var out json.RawMessage
		if err := s.auth.Call(c.Request.Context(), auth.CommandRefresh, auth.RefreshInput(req), &out); err != nil {
			s.respondError(c, auth.CommandRefresh, err)
			return
		}
		c.Data(http.StatusOK, gin.MIMEJSON, out)
	}
}

// handleLogout はリフレッシュトークンの失効を認証サービスに中継するハンドラ。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refreshRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := s.auth.Call(c.Request.Context(), auth.CommandLogout, auth.RefreshInput(req), nil); err != nil {
			s.respondError(c, auth.CommandLogout, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// handleCreateTask はタスクを作成するハンドラ。作成者はトークンのユーザー。
func (s *Server) handleCreateTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTaskRequest
		if !bindJSON(c, &req) {
			return
		}
		payload := task.CreateTaskPayload{DTO: task.CreateTaskInput(req), UserID: middleware.GetUserID(c)}
		s.callTasks(c, http.StatusCreated, task.CommandCreateTask, payload)
	}
}

// handleListTasks はタスク一覧を返すハンドラ。
func (s *Server) handleListTasks() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q pageQuery
		if !bindQuery(c, &q) {
			return
		}
		s.callTasks(c, http.StatusOK, task.CommandFindAllTasks, task.PageInput(q))
	}
}

// handleFindTask はコメントを含むタスクを返すハンドラ。
func (s *Server) handleFindTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.callTasks(c, http.StatusOK, task.CommandFindTask, task.FindTaskPayload{ID: c.Param("id")})
	}
}

// handleUpdateTask はタスクを部分更新するハンドラ。
func (s *Server) handleUpdateTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateTaskRequest
		if !bindJSON(c, &req) {
			return
		}
		payload := task.UpdateTaskPayload{
			ID:     c.Param("id"),
			DTO:    task.UpdateTaskInput(req),
			UserID: middleware.GetUserID(c),
		}
		s.callTasks(c, http.StatusOK, task.CommandUpdateTask, payload)
	}
}

// handleDeleteTask はタスクを削除するハンドラ。
func (s *Server) handleDeleteTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		payload := task.DeleteTaskPayload{ID: c.Param("id"), UserID: middleware.GetUserID(c)}
		s.callTasks(c, http.StatusOK, task.CommandDeleteTask, payload)
	}
}

// handleCreateComment はタスクにコメントを追加するハンドラ。
func (s *Server) handleCreateComment() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req commentRequest
		if !bindJSON(c, &req) {
			return
		}
		payload := task.CreateCommentPayload{
			TaskID:   c.Param("id"),
			DTO:      task.CreateCommentInput(req),
			AuthorID: middleware.GetUserID(c),
		}
		s.callTasks(c, http.StatusCreated, task.CommandCreateComment, payload)
	}
}

// handleListComments はタスクのコメント一覧を返すハンドラ。
func (s *Server) handleListComments() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q pageQuery
		if !bindQuery(c, &q) {
			return
		}
		payload := task.FindTaskCommentsPayload{TaskID: c.Param("id"), Page: q.Page, Size: q.Size}
		s.callTasks(c, http.StatusOK, task.CommandFindTaskComments, payload)
	}
}

// handleTaskHistory はタスクの変更履歴を返すハンドラ。
func (s *Server) handleTaskHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.callTasks(c, http.StatusOK, task.CommandFindTaskHistory, task.FindTaskPayload{ID: c.Param("id")})
	}
}

// callTasks はタスクサービスを呼び出し、結果をそのまま返す。
func (s *Server) callTasks(c *gin.Context, status int, command string, payload any) {
	var out json.RawMessage
	if err := s.tasks.Call(c.Request.Context(), command, payload, &out); err != nil {
		s.respondError(c, command, err)
		return
	}
	c.Data(status, gin.MIMEJSON, out)
}

// handleNotificationProxy は通知サービスへリクエストを中継するハンドラを返す。
// path中の ":id" はURLパラメータで置き換え、クエリ文字列とトークンは引き継ぐ。
func (s *Server) handleNotificationProxy(method, path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		target := strings.Replace(path, ":id", url.PathEscape(c.Param("id")), 1)
		if c.Request.URL.RawQuery != "" {
			target += "?" + c.Request.URL.RawQuery
		}
		ctx := httpclient.WithBearerToken(c.Request.Context(), middleware.GetBearerToken(c))

		var out json.RawMessage
		var err error
		switch method {
		case http.MethodPut:
			err = s.notifications.PutJSON(ctx, target, nil, &out)
		default:
			err = s.notifications.GetJSON(ctx, target, &out)
		}
		if err != nil {
			var serr *httpclient.StatusError
			if errors.As(err, &serr) {
				c.Data(serr.StatusCode, gin.MIMEJSON, serr.Body)
				c.Abort()
				return
			}
			s.logger.Error("通知サービスへの中継に失敗", "path", target, "error", err)
			middleware.AbortWithStatus(c, http.StatusBadGateway, "通知サービスとの通信に失敗しました")
			return
		}
		c.Data(http.StatusOK, gin.MIMEJSON, out)
	}
}

// respondError は下流サービスの失敗を利用者向けの応答に変換する。
// エラー応答はステータスとメッセージをそのまま返し、応答がなければ504を返す。
func (s *Server) respondError(c *gin.Context, command string, err error) {
	var rerr *rpc.Error
	switch {
	case errors.As(err, &rerr):
		middleware.AbortWithStatus(c, rerr.Status, rerr.Message)
	case errors.Is(err, rpc.ErrTimeout):
		s.logger.Warn("コマンドの応答がタイムアウトしました", "command", command)
		middleware.AbortWithStatus(c, http.StatusGatewayTimeout, rpc.ErrTimeout.Error())
	default:
		s.logger.Error("コマンドの呼び出しに失敗", "command", command, "error", err)
		middleware.AbortWithError(c, err)
	}
}

// bindJSON は本文をreqにバインドする。失敗時は400を返してfalseを返す。
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		middleware.AbortWithError(c, fmt.Errorf("%w: %v", apperr.ErrValidation, err))
		return false
	}
	return true
}

// bindQuery はクエリパラメータをqにバインドする。失敗時は400を返してfalseを返す。
func bindQuery(c *gin.Context, q any) bool {
	if err := c.ShouldBindQuery(q); err != nil {
		middleware.AbortWithError(c, fmt.Errorf("%w: %v", apperr.ErrValidation, err))
		return false
	}
	return true
}
