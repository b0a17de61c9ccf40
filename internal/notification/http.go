package notification

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/taskhub/pkg/apperr"
	"github.com/nao1215/taskhub/pkg/middleware"
)

// listQuery は通知一覧のクエリパラメータ。
type listQuery struct {
	Page int `form:"page" binding:"omitempty,min=1"`
	Size int `form:"size" binding:"omitempty,min=1"`
}

// handleList は認証済みユーザーの通知一覧を新しい順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q listQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			middleware.AbortWithError(c, fmt.Errorf("%w: %v", apperr.ErrValidation, err))
			return
		}
		if q.Page == 0 {
			q.Page = DefaultPage
		}
		if q.Size == 0 {
			q.Size = DefaultSize
		}

		page, err := s.store.ListByUser(c.Request.Context(), middleware.GetUserID(c), q.Page, q.Size)
		if err != nil {
			s.logError(c, "通知一覧の取得に失敗", err)
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// handleUnreadCount は認証済みユーザーの未読通知数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.store.UnreadCount(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			s.logError(c, "未読件数の取得に失敗", err)
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": n})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
// 他のユーザーの通知は403を返す。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		n, err := s.store.Get(ctx, c.Param("id"))
		if err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				s.logError(c, "通知の取得に失敗", err)
			}
			middleware.AbortWithError(c, err)
			return
		}
		if n.UserID != middleware.GetUserID(c) {
			middleware.AbortWithError(c, fmt.Errorf("%w: この通知を操作する権限がありません", apperr.ErrForbidden))
			return
		}

		updated, err := s.store.MarkRead(ctx, n.ID)
		if err != nil {
			s.logError(c, "通知の既読処理に失敗", err)
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.store.MarkAllRead(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			s.logError(c, "全通知の既読処理に失敗", err)
			middleware.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": n})
	}
}

// handleHealth はブローカー接続と購読状況を返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if !s.broker.Healthy() {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":   status,
			"service":  "notification",
			"sessions": s.registry.Count(),
			"consumer": s.consumer.Stats(),
		})
	}
}

// logError はリクエスト情報付きでエラーを記録する。
func (s *Server) logError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, "path", c.FullPath(), "user_id", middleware.GetUserID(c), "error", err)
}
