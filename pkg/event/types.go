// Package event はタスクドメインのイベントとその発行処理を提供する。
//
// タスクサービスは状態変更のコミット後に Envelope を Publisher で発行し、
// 通知サービスは受信したメッセージを Decode で DomainEvent に正規化して扱う。
package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。ブローカー上のルーティングキーとしても使用する。
type Type string

const (
	// TypeTaskCreated はタスクが作成されたことを表す。
	TypeTaskCreated Type = "task.created"
	// TypeTaskUpdated はタスクが更新されたことを表す。
	TypeTaskUpdated Type = "task.updated"
	// TypeCommentCreated はタスクにコメントが追加されたことを表す。
	TypeCommentCreated Type = "task.comment.created"
)

// Valid は既知のイベント種別かどうかを返す。
func (t Type) Valid() bool {
	switch t {
	case TypeTaskCreated, TypeTaskUpdated, TypeCommentCreated:
		return true
	default:
		return false
	}
}

// Envelope はブローカー上を流れるイベントメッセージの本文。
// 一度生成したら変更しない。
type Envelope struct {
	// ID はイベントの一意識別子（UUID）。再配送時の重複判定に使う。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// Payload はイベント種別ごとのデータ（JSON形式）。
	Payload json.RawMessage `json:"payload"`
	// OccurredAt は状態変更がコミットされた日時。
	OccurredAt time.Time `json:"occurred_at"`
}

// TaskCreatedData はtask.createdイベントのデータ。
type TaskCreatedData struct {
	// TaskID は作成されたタスクのID。
	TaskID string `json:"taskId"`
	// Title はタスクのタイトル。
	Title string `json:"title"`
	// CreatedByID は作成したユーザーのID。
	CreatedByID string `json:"createdById"`
	// AssigneeIDs は担当者のユーザーID一覧。
	AssigneeIDs []string `json:"assigneeIds"`
}

// TaskUpdatedData はtask.updatedイベントのデータ。
type TaskUpdatedData struct {
	// TaskID は更新されたタスクのID。
	TaskID string `json:"taskId"`
	// Title は更新後のタスクのタイトル。
	Title string `json:"title"`
	// UpdatedByID は更新したユーザーのID。
	UpdatedByID string `json:"updatedById"`
	// AssigneeIDs は更新後の担当者のユーザーID一覧。
	AssigneeIDs []string `json:"assigneeIds"`
	// Changes はフィールド名ごとの変更内容。
	Changes map[string]Change `json:"changes,omitempty"`
}

// Change は1フィールドの変更前後の値。
type Change struct {
	// Old は変更前の値。
	Old any `json:"old"`
	// New は変更後の値。
	New any `json:"new"`
}

// CommentCreatedData はtask.comment.createdイベントのデータ。
type CommentCreatedData struct {
	// TaskID はコメント対象のタスクID。
	TaskID string `json:"taskId"`
	// CommentID は作成されたコメントのID。
	CommentID string `json:"commentId"`
	// Text はコメント本文。
	Text string `json:"text"`
	// AuthorID はコメントを書いたユーザーのID。
	AuthorID string `json:"authorId"`
	// TaskTitle はタスクのタイトル。古い発行元では空の場合がある。
	TaskTitle string `json:"taskTitle,omitempty"`
	// AssigneeIDs はタスクの担当者のユーザーID一覧。古い発行元では空の場合がある。
	AssigneeIDs []string `json:"assigneeIds,omitempty"`
}

// DomainEvent は受信側で扱う正規化済みのイベント。
// 種別ごとに異なるペイロードを、誰が起こし誰が通知候補かという共通の形にそろえる。
type DomainEvent struct {
	// ID はEnvelopeのID。
	ID string
	// Type はイベントの種類。
	Type Type
	// TaskID は対象タスクのID。
	TaskID string
	// ActorID はイベントを起こしたユーザーのID。
	ActorID string
	// RecipientCandidates は通知候補のユーザーID一覧（順序付き）。
	RecipientCandidates []string
	// Title はタスクのタイトル。
	Title string
	// Text はコメント本文。コメントイベント以外では空。
	Text string
	// Changes は更新内容。更新イベント以外ではnil。
	Changes map[string]Change
	// OccurredAt はイベントの発生日時。
	OccurredAt time.Time
}
