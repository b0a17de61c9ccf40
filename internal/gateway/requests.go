package gateway

import (
	"time"

	"github.com/nao1215/taskhub/internal/task"
)

// リクエスト本文の型。フィールドは下流サービスの入力型と同じ並びにし、型変換で渡す。

// registerRequest はユーザー登録の本文。
type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Username string `json:"username" binding:"required,min=3,max=50"`
	Password string `json:"password" binding:"required,min=6,max=72"`
}

// loginRequest はログインの本文。
type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// refreshRequest はトークン再発行とログアウトの本文。
type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// createTaskRequest はタスク作成の本文。
type createTaskRequest struct {
	Title       string        `json:"title" binding:"required,max=255"`
	Description string        `json:"description" binding:"required"`
	DueDate     *time.Time    `json:"dueDate"`
	Priority    task.Priority `json:"priority" binding:"omitempty,oneof=LOW MEDIUM HIGH URGENT"`
	Status      task.Status   `json:"status" binding:"omitempty,oneof=TODO IN_PROGRESS REVIEW DONE"`
	AssigneeIDs []string      `json:"assigneeIds" binding:"omitempty,dive,uuid"`
}

// updateTaskRequest はタスク更新の本文。省略した項目は変更しない。
type updateTaskRequest struct {
	Title       *string        `json:"title" binding:"omitempty,min=1,max=255"`
	Description *string        `json:"description" binding:"omitempty,min=1"`
	DueDate     *time.Time     `json:"dueDate"`
	Priority    *task.Priority `json:"priority" binding:"omitempty,oneof=LOW MEDIUM HIGH URGENT"`
	Status      *task.Status   `json:"status" binding:"omitempty,oneof=TODO IN_PROGRESS REVIEW DONE"`
	AssigneeIDs []string       `json:"assigneeIds" binding:"omitempty,dive,uuid"`
}

// commentRequest はコメント追加の本文。
type commentRequest struct {
	Text string `json:"text" binding:"required,max=5000"`
}

// pageQuery は一覧取得のクエリパラメータ。
type pageQuery struct {
	Page int `form:"page" binding:"omitempty,min=1"`
	Size int `form:"size" binding:"omitempty,min=1,max=100"`
}
