package task

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Priority はタスクの優先度。
type Priority string

// タスクの優先度。
const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Status はタスクの状態。
type Status string

// タスクの状態。
const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
)

// Action は変更履歴の操作種別。
type Action string

// 変更履歴の操作種別。
const (
	ActionCreated Action = "CREATED"
	ActionUpdated Action = "UPDATED"
	ActionDeleted Action = "DELETED"
)

// Task はタスク。
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"dueDate"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	CreatedByID string     `json:"createdById"`
	AssigneeIDs []string   `json:"assigneeIds"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	// Comments はfind_taskでのみ設定する
	Comments []Comment `json:"comments,omitempty"`
}

// Comment はタスクへのコメント。
type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	TaskID    string    `json:"taskId"`
	AuthorID  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// History はタスクの変更履歴。
type History struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"taskId"`
	ChangedByID string          `json:"changedById"`
	Action      Action          `json:"action"`
	Changes     json.RawMessage `json:"changes"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Page は一覧取得の結果。
type Page[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
}

// ページングの既定値と上限。
const (
	DefaultPage = 1
	DefaultSize = 10
	MaxSize     = 100
)

// PageInput はページングの引数。0は既定値として扱う。
type PageInput struct {
	Page int `json:"page" validate:"omitempty,min=1"`
	Size int `json:"size" validate:"omitempty,min=1,max=100"`
}

// normalize は既定値を補ったページ番号とサイズを返す。
func (p PageInput) normalize() (page, size int) {
	page, size = p.Page, p.Size
	if page <= 0 {
		page = DefaultPage
	}
	if size <= 0 {
		size = DefaultSize
	}
	return page, min(size, MaxSize)
}

// CreateTaskInput はタスク作成の内容。
type CreateTaskInput struct {
	Title       string     `json:"title" validate:"required,max=255"`
	Description string     `json:"description" validate:"required"`
	DueDate     *time.Time `json:"dueDate"`
	Priority    Priority   `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH URGENT"`
	Status      Status     `json:"status" validate:"omitempty,oneof=TODO IN_PROGRESS REVIEW DONE"`
	AssigneeIDs []string   `json:"assigneeIds" validate:"omitempty,dive,uuid"`
}

// UpdateTaskInput はタスク更新の内容。nilのフィールドは変更しない。
type UpdateTaskInput struct {
	Title       *string    `json:"title" validate:"omitempty,min=1,max=255"`
	Description *string    `json:"description" validate:"omitempty,min=1"`
	DueDate     *time.Time `json:"dueDate"`
	Priority    *Priority  `json:"priority" validate:"omitempty,oneof=LOW MEDIUM HIGH URGENT"`
	Status      *Status    `json:"status" validate:"omitempty,oneof=TODO IN_PROGRESS REVIEW DONE"`
	AssigneeIDs []string   `json:"assigneeIds" validate:"omitempty,dive,uuid"`
}

// CreateCommentInput はコメント作成の内容。
type CreateCommentInput struct {
	Text string `json:"text" validate:"required,max=5000"`
}

// stringList はJSON配列としてTEXT列に保存する文字列スライス。
type stringList []string

// Value はJSON配列に変換する。
func (l stringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan はJSON配列を読み込む。
func (l *stringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = stringList{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("assignee_idsの型が不正です: %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("assignee_idsのデコードに失敗: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	*l = out
	return nil
}
