package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Recovery はハンドラのパニックを回収するGinミドルウェアを返す。
// パニックの内容とスタックをログに残し、共通形式の500応答を返す。
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	log := logger.With("component", "recovery")
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			log.Error("パニックから回復しました",
				"method", c.Request.Method,
				"path", c.FullPath(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			AbortWithStatus(c, http.StatusInternalServerError, "内部サーバーエラーが発生しました")
		}()
		c.Next()
	}
}
