package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nao1215/taskhub/pkg/apperr"
)

// TestNew はイベントの生成を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("TaskCreatedDataでイベントを正常に生成できること", func(t *testing.T) {
		t.Parallel()

		data := TaskCreatedData{
			TaskID:      "task-1",
			Title:       "設計レビュー",
			CreatedByID: "user-a",
			AssigneeIDs: []string{"user-a", "user-b"},
		}

		before := time.Now().UTC()
		ev, err := NewTaskCreated(data)
		after := time.Now().UTC()
		if err != nil {
			t.Fatalf("NewTaskCreated()でエラーが発生: %v", err)
		}
		if ev.ID == "" {
			t.Error("IDが空文字列")
		}
		if ev.Type != TypeTaskCreated {
			t.Errorf("Type = %q, want %q", ev.Type, TypeTaskCreated)
		}
		if ev.OccurredAt.Before(before) || ev.OccurredAt.After(after) {
			t.Errorf("OccurredAt = %v, 期待する範囲: [%v, %v]", ev.OccurredAt, before, after)
		}

		decoded, err := DecodeData[TaskCreatedData](ev)
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}
		if decoded.CreatedByID != "user-a" || len(decoded.AssigneeIDs) != 2 {
			t.Errorf("decoded = %+v", decoded)
		}
	})

	t.Run("ペイロードのキーが発行元の形式であること", func(t *testing.T) {
		t.Parallel()

		ev, err := NewCommentCreated(CommentCreatedData{TaskID: "t", CommentID: "c", Text: "x", AuthorID: "u"})
		if err != nil {
			t.Fatalf("NewCommentCreated()でエラーが発生: %v", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(ev.Payload, &raw); err != nil {
			t.Fatalf("Payloadのデコードに失敗: %v", err)
		}
		for _, key := range []string{"taskId", "commentId", "text", "authorId"} {
			if _, ok := raw[key]; !ok {
				t.Errorf("キー %q がない: %v", key, raw)
			}
		}
	})

	t.Run("不明な種別はErrValidationになること", func(t *testing.T) {
		t.Parallel()

		if _, err := New(Type("task.deleted"), struct{}{}); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("エラー = %v, want ErrValidation", err)
		}
	})

	t.Run("シリアライズできないデータはエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := New(TypeTaskCreated, make(chan int)); err == nil {
			t.Error("エラーが返されなかった")
		}
	})
}

// TestDecode はメッセージ本文の正規化を検証する。
func TestDecode(t *testing.T) {
	t.Parallel()

	mustBody := func(t *testing.T, env *Envelope, err error) []byte {
		t.Helper()
		if err != nil {
			t.Fatalf("イベント生成でエラーが発生: %v", err)
		}
		b, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("Marshalでエラーが発生: %v", err)
		}
		return b
	}

	t.Run("task.updatedの実行者は更新者になること", func(t *testing.T) {
		t.Parallel()

		env, err := NewTaskUpdated(TaskUpdatedData{
			TaskID:      "task-1",
			Title:       "更新後",
			UpdatedByID: "user-b",
			AssigneeIDs: []string{"user-a"},
			Changes:     map[string]Change{"status": {Old: "TODO", New: "DONE"}},
		})
		ev, err := Decode(mustBody(t, env, err))
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		if ev.ActorID != "user-b" {
			t.Errorf("ActorID = %q, want user-b", ev.ActorID)
		}
		if ev.ID != env.ID {
			t.Errorf("ID = %q, want %q", ev.ID, env.ID)
		}
		if got := ev.Changes["status"].New; got != "DONE" {
			t.Errorf("Changes[status].New = %v", got)
		}
	})

	t.Run("コメントイベントの候補とタイトルを取り出せること", func(t *testing.T) {
		t.Parallel()

		env, err := NewCommentCreated(CommentCreatedData{
			TaskID:      "task-1",
			CommentID:   "c-1",
			Text:        "確認しました",
			AuthorID:    "user-a",
			TaskTitle:   "設計レビュー",
			AssigneeIDs: []string{"user-a", "user-b"},
		})
		ev, err := Decode(mustBody(t, env, err))
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		if ev.ActorID != "user-a" || ev.Title != "設計レビュー" || ev.Text != "確認しました" {
			t.Errorf("ev = %+v", ev)
		}
		if len(ev.RecipientCandidates) != 2 {
			t.Errorf("RecipientCandidates = %v", ev.RecipientCandidates)
		}
	})

	poison := []struct {
		name string
		body string
	}{
		{name: "JSONでない本文", body: "{not json"},
		{name: "不明な種別", body: `{"id":"1","type":"task.deleted","payload":{"taskId":"t"}}`},
		{name: "ペイロードなし", body: `{"id":"1","type":"task.created"}`},
		{name: "ペイロードの型が不正", body: `{"id":"1","type":"task.created","payload":{"assigneeIds":"user-a"}}`},
		{name: "taskIdなし", body: `{"id":"1","type":"task.created","payload":{"createdById":"u"}}`},
		{name: "実行者なし", body: `{"id":"1","type":"task.comment.created","payload":{"taskId":"t"}}`},
	}
	for _, tt := range poison {
		t.Run(tt.name+"はErrPoisonMessageになること", func(t *testing.T) {
			t.Parallel()
			if _, err := Decode([]byte(tt.body)); !errors.Is(err, apperr.ErrPoisonMessage) {
				t.Errorf("エラー = %v, want ErrPoisonMessage", err)
			}
		})
	}
}
