package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nao1215/taskhub/pkg/apperr"
	"github.com/nao1215/taskhub/pkg/database"
)

// setupTestDB はマイグレーション適用済みのインメモリDBを返す。
func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.Open(context.Background(), ":memory:", Migrations, MigrationsDir)
	if err != nil {
		t.Fatalf("テスト用DBの初期化に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// createTestNotification はテスト用に通知を作成するヘルパー関数。
func createTestNotification(t *testing.T, store *Store, userID, message string) *Notification {
	t.Helper()
	n, created, err := store.Create(context.Background(), NewNotification{
		Type:    TypeTaskCreated,
		Message: message,
		UserID:  userID,
		TaskID:  uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("テスト用通知の作成に失敗: %v", err)
	}
	if !created {
		t.Fatal("created = false")
	}
	return n
}

// TestStoreCreate は通知の作成を検証する。
func TestStoreCreate(t *testing.T) {
	t.Parallel()

	t.Run("未読で作成されること", func(t *testing.T) {
		t.Parallel()
		store := NewStore(setupTestDB(t))

		n := createTestNotification(t, store, "user-b", "新しいタスク")
		if n.IsRead || n.ID == "" || n.TaskID == "" || n.CreatedAt.IsZero() {
			t.Errorf("n = %+v", n)
		}
		got, err := store.Get(context.Background(), n.ID)
		if err != nil {
			t.Fatalf("Get()でエラーが発生: %v", err)
		}
		if got.Message != "新しいタスク" || got.UserID != "user-b" || got.TaskID != n.TaskID {
			t.Errorf("got = %+v", got)
		}
	})

	t.Run("タスクに紐づかない通知はtaskIdが空であること", func(t *testing.T) {
		t.Parallel()
		store := NewStore(setupTestDB(t))

		n, _, err := store.Create(context.Background(), NewNotification{Type: TypeTaskUpdated, Message: "m", UserID: "u"})
		if err != nil {
			t.Fatalf("Create()でエラーが発生: %v", err)
		}
		got, err := store.Get(context.Background(), n.ID)
		if err != nil {
			t.Fatalf("Get()でエラーが発生: %v", err)
		}
		if got.TaskID != "" {
			t.Errorf("TaskID = %q, want 空", got.TaskID)
		}
	})

	t.Run("同じ重複排除キーでは既存の通知が返ること", func(t *testing.T) {
		t.Parallel()
		store := NewStore(setupTestDB(t))
		ctx := context.Background()
		in := NewNotification{Type: TypeTaskCreated, Message: "m", UserID: "u", DedupeKey: "event-1:u"}

		first, created, err := store.Create(ctx, in)
		if err != nil || !created {
			t.Fatalf("1回目のCreate() = %v, created=%v", err, created)
		}
		second, created, err := store.Create(ctx, in)
		if err != nil {
			t.Fatalf("2回目のCreate()でエラーが発生: %v", err)
		}
		if created || second.ID != first.ID {
			t.Errorf("created = %v, ID = %q, want 既存の %q", created, second.ID, first.ID)
		}
		page, err := store.ListByUser(ctx, "u", 1, 10)
		if err != nil {
			t.Fatalf("ListByUser()でエラーが発生: %v", err)
		}
		if page.Total != 1 {
			t.Errorf("Total = %d, want 1", page.Total)
		}
	})
}

// TestStoreListByUser は通知一覧の取得を検証する。
func TestStoreListByUser(t *testing.T) {
	t.Parallel()

	t.Run("新しい順で他のユーザーの通知を含まないこと", func(t *testing.T) {
		t.Parallel()
		store := NewStore(setupTestDB(t))
		for _, msg := range []string{"1", "2", "3"} {
			createTestNotification(t, store, "user-a", msg)
		}
		createTestNotification(t, store, "user-b", "other")

		page, err := store.ListByUser(context.Background(), "user-a", 1, 2)
		if err != nil {
			t.Fatalf("ListByUser()でエラーが発生: %v", err)
		}
		if page.Total != 3 || len(page.Data) != 2 {
			t.Fatalf("page = %+v", page)
		}
		if page.Data[0].Message != "3" || page.Data[1].Message != "2" {
			t.Errorf("並び順 = %s, %s, want 3, 2", page.Data[0].Message, page.Data[1].Message)
		}

		next, err := store.ListByUser(context.Background(), "user-a", 2, 2)
		if err != nil {
			t.Fatalf("ListByUser()でエラーが発生: %v", err)
		}
		if len(next.Data) != 1 || next.Data[0].Message != "1" {
			t.Errorf("2ページ目 = %+v", next.Data)
		}
	})

	t.Run("sizeは上限に切り詰められること", func(t *testing.T) {
		t.Parallel()
		store := NewStore(setupTestDB(t))

		page, err := store.ListByUser(context.Background(), "user-a", 1, 1000)
		if err != nil {
			t.Fatalf("ListByUser()でエラーが発生: %v", err)
		}
		if page.Size != MaxSize {
			t.Errorf("Size = %d, want %d", page.Size, MaxSize)
		}
		if page.Data == nil {
			t.Error("Dataがnil")
		}
	})

	t.Run("1未満のpageはErrValidationになること", func(t *testing.T) {
		t.Parallel()
		store := NewStore(setupTestDB(t))

		if _, err := store.ListByUser(context.Background(), "user-a", 0, 10); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("エラー = %v, want ErrValidation", err)
		}
	})
}

// TestStoreMarkRead は既読処理を検証する。
func TestStoreMarkRead(t *testing.T) {
	t.Parallel()

	t.Run("2回呼んでも既読のままエラーにならないこと", func(t *testing.T) {
		t.Parallel()
		store := NewStore(setupTestDB(t))
		n := createTestNotification(t, store, "user-a", "m")

		for i := range 2 {
			got, err := store.MarkRead(context.Background(), n.ID)
			if err != nil {
				t.Fatalf("%d回目のMarkRead()でエラーが発生: %v", i+1, err)
			}
			if !got.IsRead {
				t.Errorf("%d回目: IsRead = false", i+1)
			}
		}
	})

	t.Run("存在しないIDはErrNotFoundになること", func(t *testing.T) {
		t.Parallel()
		store := NewStore(setupTestDB(t))

		if _, err := store.MarkRead(context.Background(), uuid.NewString()); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("エラー = %v, want ErrNotFound", err)
		}
	})
}

// TestStoreMarkAllRead は一括既読と未読件数を検証する。
func TestStoreMarkAllRead(t *testing.T) {
	t.Parallel()

	t.Run("一括既読の後は未読件数が0になること", func(t *testing.T) {
		t.Parallel()
		store := NewStore(setupTestDB(t))
		ctx := context.Background()
		for range 3 {
			createTestNotification(t, store, "user-a", "m")
		}
		other := createTestNotification(t, store, "user-b", "m")
		first := createTestNotification(t, store, "user-a", "m")
		if _, err := store.MarkRead(ctx, first.ID); err != nil {
			t.Fatalf("MarkRead()でエラーが発生: %v", err)
		}

		if n, err := store.UnreadCount(ctx, "user-a"); err != nil || n != 3 {
			t.Fatalf("UnreadCount() = %d, %v, want 3", n, err)
		}
		updated, err := store.MarkAllRead(ctx, "user-a")
		if err != nil {
			t.Fatalf("MarkAllRead()でエラーが発生: %v", err)
		}
		if updated != 3 {
			t.Errorf("更新件数 = %d, want 3", updated)
		}
		if n, err := store.UnreadCount(ctx, "user-a"); err != nil || n != 0 {
			t.Errorf("UnreadCount() = %d, %v, want 0", n, err)
		}
		if n, _ := store.UnreadCount(ctx, other.UserID); n != 1 {
			t.Errorf("他のユーザーの未読件数 = %d, want 1", n)
		}
	})

	t.Run("未読がなくても成功すること", func(t *testing.T) {
		t.Parallel()
		store := NewStore(setupTestDB(t))

		updated, err := store.MarkAllRead(context.Background(), "nobody")
		if err != nil || updated != 0 {
			t.Errorf("MarkAllRead() = %d, %v", updated, err)
		}
	})
}
