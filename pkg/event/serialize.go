package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/taskhub/pkg/apperr"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(eventType Type, data any) (*Envelope, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: 不明なイベント種別 %q", apperr.ErrValidation, eventType)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	return &Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// NewTaskCreated はtask.createdイベントを生成する。
func NewTaskCreated(data TaskCreatedData) (*Envelope, error) {
	return New(TypeTaskCreated, data)
}

// NewTaskUpdated はtask.updatedイベントを生成する。
func NewTaskUpdated(data TaskUpdatedData) (*Envelope, error) {
	return New(TypeTaskUpdated, data)
}

// NewCommentCreated はtask.comment.createdイベントを生成する。
func NewCommentCreated(data CommentCreatedData) (*Envelope, error) {
	return New(TypeCommentCreated, data)
}

// DecodeData はイベントのPayloadを指定された型にデシリアライズする。
func DecodeData[T any](e *Envelope) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// Decode はメッセージ本文をDomainEventに正規化する。
// 形式が不正、種別が不明、必須項目が欠けている場合は apperr.ErrPoisonMessage を返す。
func Decode(body []byte) (*DomainEvent, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: エンベロープのデコードに失敗: %v", apperr.ErrPoisonMessage, err)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: 不明なイベント種別 %q", apperr.ErrPoisonMessage, env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: ペイロードが空です", apperr.ErrPoisonMessage)
	}

	ev := &DomainEvent{ID: env.ID, Type: env.Type, OccurredAt: env.OccurredAt}
	switch env.Type {
	case TypeTaskCreated:
		data, err := DecodeData[TaskCreatedData](&env)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrPoisonMessage, err)
		}
		ev.TaskID, ev.ActorID, ev.Title = data.TaskID, data.CreatedByID, data.Title
		ev.RecipientCandidates = data.AssigneeIDs
	case TypeTaskUpdated:
		data, err := DecodeData[TaskUpdatedData](&env)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrPoisonMessage, err)
		}
		ev.TaskID, ev.ActorID, ev.Title = data.TaskID, data.UpdatedByID, data.Title
		ev.RecipientCandidates = data.AssigneeIDs
		ev.Changes = data.Changes
	case TypeCommentCreated:
		data, err := DecodeData[CommentCreatedData](&env)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrPoisonMessage, err)
		}
		ev.TaskID, ev.ActorID, ev.Title, ev.Text = data.TaskID, data.AuthorID, data.TaskTitle, data.Text
		ev.RecipientCandidates = data.AssigneeIDs
	}

	if ev.TaskID == "" || ev.ActorID == "" {
		return nil, fmt.Errorf("%w: taskIdまたは実行者IDがありません", apperr.ErrPoisonMessage)
	}
	return ev, nil
}
