package notification

import (
	"fmt"
	"time"

	"github.com/nao1215/taskhub/pkg/event"
)

// Type は通知の種類。
type Type string

// 通知の種類。
const (
	TypeTaskCreated    Type = "TASK_CREATED"
	TypeTaskUpdated    Type = "TASK_UPDATED"
	TypeCommentCreated Type = "COMMENT_CREATED"
)

// Notification は利用者1人に宛てた通知。
type Notification struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// Type は通知の種類。
	Type Type `json:"type"`
	// Message は表示用メッセージ。
	Message string `json:"message"`
	// UserID は通知先のユーザーID。
	UserID string `json:"userId"`
	// TaskID は対象タスクのID。タスクに紐づかない通知では空。
	TaskID string `json:"taskId,omitempty"`
	// IsRead は既読状態。
	IsRead bool `json:"isRead"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"createdAt"`
}

// NewNotification は通知の作成内容。
type NewNotification struct {
	Type    Type
	Message string
	UserID  string
	TaskID  string
	// DedupeKey は重複排除キー。空の場合は重複排除しない。
	DedupeKey string
}

// Page は通知一覧の結果。
type Page struct {
	Data  []Notification `json:"data"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}

// ページングの既定値と上限。
const (
	DefaultPage = 1
	DefaultSize = 10
	MaxSize     = 100
)

// typeFor はイベント種別に対応する通知の種類を返す。
func typeFor(t event.Type) Type {
	switch t {
	case event.TypeTaskUpdated:
		return TypeTaskUpdated
	case event.TypeCommentCreated:
		return TypeCommentCreated
	default:
		return TypeTaskCreated
	}
}

// renderMessage はイベントから通知メッセージを組み立てる。
func renderMessage(ev *event.DomainEvent) string {
	switch ev.Type {
	case event.TypeTaskUpdated:
		return fmt.Sprintf("タスク「%s」が更新されました", ev.Title)
	case event.TypeCommentCreated:
		if ev.Title == "" {
			return "タスクに新しいコメントがあります"
		}
		return fmt.Sprintf("タスク「%s」に新しいコメントがあります", ev.Title)
	default:
		return fmt.Sprintf("新しいタスクが割り当てられました: %s", ev.Title)
	}
}
