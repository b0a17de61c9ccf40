package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/nao1215/taskhub/pkg/apperr"
)

// ErrorResponse はエラー応答の本文。
type ErrorResponse struct {
	// Error は利用者向けのメッセージ
	Error string `json:"error"`
	// Status はHTTPステータスコード
	Status int `json:"status"`
}

// AbortWithError はエラーを分類してHTTPステータスとエラー応答を返し、処理を中断する。
func AbortWithError(c *gin.Context, err error) {
	status := apperr.Status(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Error: apperr.Message(err), Status: status})
}

// AbortWithStatus は任意のステータスとメッセージでエラー応答を返し、処理を中断する。
func AbortWithStatus(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message, Status: status})
}
