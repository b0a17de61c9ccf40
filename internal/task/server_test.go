package task

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/taskhub/pkg/broker"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/logger"
	"github.com/nao1215/taskhub/pkg/rpc"
)

// observerQueue はテストで発行イベントを受け取るキュー。
const observerQueue = "observer"

// startTestServer はメモリブローカー上でタスクサーバーを起動し、クライアントとブローカーを返す。
func startTestServer(t *testing.T) (*rpc.Client, *broker.Memory) {
	t.Helper()
	b := broker.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	if err := event.DeclareTopology(ctx, b); err != nil {
		t.Fatalf("DeclareTopology()でエラーが発生: %v", err)
	}
	if _, err := b.DeclareQueue(ctx, broker.QueueOptions{
		Name:     observerQueue,
		Bindings: []broker.Binding{{Exchange: event.Exchange, Key: "task.#"}},
	}); err != nil {
		t.Fatalf("DeclareQueue()でエラーが発生: %v", err)
	}
	if _, err := b.DeclareQueue(ctx, broker.QueueOptions{Name: testConfig.Queue, Durable: true}); err != nil {
		t.Fatalf("DeclareQueue()でエラーが発生: %v", err)
	}

	srv := NewServer(testConfig, setupTestDB(t), b, logger.Discard())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()

	client, err := rpc.NewClient(context.Background(), b, testConfig.Queue, logger.Discard(), rpc.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewClient()でエラーが発生: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
		_ = b.Close()
	})
	return client, b
}

// TestServerCommands はコマンド経由のタスク操作を検証する。
func TestServerCommands(t *testing.T) {
	t.Parallel()

	t.Run("作成と更新とコメントでイベントが発行されること", func(t *testing.T) {
		t.Parallel()
		client, b := startTestServer(t)
		ctx := context.Background()
		user := uuid.NewString()

		var created Task
		if err := client.Call(ctx, CommandCreateTask, CreateTaskPayload{
			DTO:    CreateTaskInput{Title: "タスク", Description: "説明", Priority: PriorityHigh},
			UserID: user,
		}, &created); err != nil {
			t.Fatalf("create_taskでエラーが発生: %v", err)
		}
		if created.Priority != PriorityHigh || created.CreatedByID != user {
			t.Errorf("created = %+v", created)
		}

		status := StatusDone
		if err := client.Call(ctx, CommandUpdateTask, UpdateTaskPayload{
			ID: created.ID, DTO: UpdateTaskInput{Status: &status}, UserID: user,
		}, nil); err != nil {
			t.Fatalf("update_taskでエラーが発生: %v", err)
		}

		var comment Comment
		if err := client.Call(ctx, CommandCreateComment, CreateCommentPayload{
			TaskID: created.ID, DTO: CreateCommentInput{Text: "完了"}, AuthorID: user,
		}, &comment); err != nil {
			t.Fatalf("create_commentでエラーが発生: %v", err)
		}

		var comments Page[Comment]
		if err := client.Call(ctx, CommandFindTaskComments, FindTaskCommentsPayload{TaskID: created.ID}, &comments); err != nil {
			t.Fatalf("find_task_commentsでエラーが発生: %v", err)
		}
		if comments.Total != 1 || comments.Data[0].ID != comment.ID {
			t.Errorf("comments = %+v", comments)
		}

		if got := b.Depth(observerQueue); got != 3 {
			t.Errorf("発行されたイベント数 = %d, want 3", got)
		}
	})

	t.Run("削除はsuccessを返しイベントを発行しないこと", func(t *testing.T) {
		t.Parallel()
		client, b := startTestServer(t)
		ctx := context.Background()
		user := uuid.NewString()

		var created Task
		if err := client.Call(ctx, CommandCreateTask, CreateTaskPayload{
			DTO: CreateTaskInput{Title: "t", Description: "d"}, UserID: user,
		}, &created); err != nil {
			t.Fatalf("create_taskでエラーが発生: %v", err)
		}

		var res map[string]bool
		if err := client.Call(ctx, CommandDeleteTask, DeleteTaskPayload{ID: created.ID, UserID: user}, &res); err != nil {
			t.Fatalf("delete_taskでエラーが発生: %v", err)
		}
		if !res["success"] {
			t.Errorf("res = %v", res)
		}
		if got := b.Depth(observerQueue); got != 1 {
			t.Errorf("発行されたイベント数 = %d, want 1", got)
		}
	})

	statusTests := []struct {
		name    string
		command string
		payload any
		want    int
	}{
		{
			name:    "タイトルがない作成は400になること",
			command: CommandCreateTask,
			payload: CreateTaskPayload{DTO: CreateTaskInput{Description: "d"}, UserID: uuid.NewString()},
			want:    http.StatusBadRequest,
		},
		{
			name:    "不正な優先度は400になること",
			command: CommandCreateTask,
			payload: CreateTaskPayload{DTO: CreateTaskInput{Title: "t", Description: "d", Priority: "SOMEDAY"}, UserID: uuid.NewString()},
			want:    http.StatusBadRequest,
		},
		{
			name:    "UUIDでない担当者は400になること",
			command: CommandCreateTask,
			payload: CreateTaskPayload{DTO: CreateTaskInput{Title: "t", Description: "d", AssigneeIDs: []string{"bob"}}, UserID: uuid.NewString()},
			want:    http.StatusBadRequest,
		},
		{
			name:    "サイズが上限を超える一覧は400になること",
			command: CommandFindAllTasks,
			payload: PageInput{Page: 1, Size: 101},
			want:    http.StatusBadRequest,
		},
		{
			name:    "存在しないタスクの取得は404になること",
			command: CommandFindTask,
			payload: FindTaskPayload{ID: uuid.NewString()},
			want:    http.StatusNotFound,
		},
		{
			name:    "存在しないタスクへのコメントは404になること",
			command: CommandCreateComment,
			payload: CreateCommentPayload{TaskID: uuid.NewString(), DTO: CreateCommentInput{Text: "x"}, AuthorID: uuid.NewString()},
			want:    http.StatusNotFound,
		},
	}
	for _, tt := range statusTests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, _ := startTestServer(t)

			err := client.Call(context.Background(), tt.command, tt.payload, nil)
			var rerr *rpc.Error
			if !errors.As(err, &rerr) {
				t.Fatalf("エラー = %v, want *rpc.Error", err)
			}
			if rerr.Status != tt.want {
				t.Errorf("Status = %d, want %d", rerr.Status, tt.want)
			}
		})
	}
}

// TestServerSetup は起動時の購読キュー宣言を検証する。
func TestServerSetup(t *testing.T) {
	t.Parallel()

	t.Run("購読者の起動前に発行したイベントが購読キューに残ること", func(t *testing.T) {
		t.Parallel()
		b := broker.NewMemory()
		t.Cleanup(func() { _ = b.Close() })
		ctx := context.Background()

		cfg := testConfig
		cfg.EventSubscribers = []string{"notifications_queue"}
		srv := NewServer(cfg, setupTestDB(t), b, logger.Discard())
		for range 2 {
			if err := srv.Setup(ctx); err != nil {
				t.Fatalf("Setup()でエラーが発生: %v", err)
			}
		}

		if _, err := srv.service.CreateTask(ctx, CreateTaskInput{Title: "t", Description: "d"}, uuid.NewString()); err != nil {
			t.Fatalf("CreateTask()でエラーが発生: %v", err)
		}
		if got := b.Depth("notifications_queue"); got != 1 {
			t.Errorf("購読キューの件数 = %d, want 1", got)
		}
		if got := b.Depth(event.DeadLetterQueueName("notifications_queue")); got != 0 {
			t.Errorf("デッドレターキューの件数 = %d, want 0", got)
		}
	})

	t.Run("購読者を設定しない場合は交換機だけを宣言すること", func(t *testing.T) {
		t.Parallel()
		b := broker.NewMemory()
		t.Cleanup(func() { _ = b.Close() })

		srv := NewServer(testConfig, setupTestDB(t), b, logger.Discard())
		if err := srv.Setup(context.Background()); err != nil {
			t.Fatalf("Setup()でエラーが発生: %v", err)
		}
		if err := b.Publish(context.Background(), event.Exchange, broker.Message{RoutingKey: "task.created"}); err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}
		if got := b.Depth("notifications_queue"); got != 0 {
			t.Errorf("購読キューの件数 = %d, want 0", got)
		}
	})
}
