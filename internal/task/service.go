package task

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/taskhub/pkg/apperr"
	"github.com/nao1215/taskhub/pkg/event"
)

// EventPublisher はドメインイベントの発行先。
type EventPublisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
}

// Service はタスクとコメントの操作を行う。
// 状態変更はコミット後にイベントとして発行し、発行の失敗は書き込み結果に影響させない。
type Service struct {
	store          *Store
	publisher      EventPublisher
	publishTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// ServiceOption はServiceの設定を変更する。
type ServiceOption func(*Service)

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService は新しいServiceを生成する。
func NewService(store *Store, publisher EventPublisher, cfg Config, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:          store,
		publisher:      publisher,
		publishTimeout: cfg.PublishTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger.With("component", "task-service"),
	}
	if s.publishTimeout <= 0 {
		s.publishTimeout = 5 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask はタスクを作成し、task.createdを発行する。
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput, userID string) (*Task, error) {
	now := s.now()
	t := &Task{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		DueDate:     in.DueDate,
		Priority:    in.Priority,
		Status:      in.Status,
		CreatedByID: userID,
		AssigneeIDs: uniqueIDs(in.AssigneeIDs),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("タスクを作成しました", "task_id", t.ID, "user_id", userID)

	s.publish(ctx, func() (*event.Envelope, error) {
		return event.NewTaskCreated(event.TaskCreatedData{
			TaskID:      t.ID,
			Title:       t.Title,
			CreatedByID: userID,
			AssigneeIDs: t.AssigneeIDs,
		})
	})
	return t, nil
}

// ListTasks は作成日時の新しい順にタスクを返す。
func (s *Service) ListTasks(ctx context.Context, in PageInput) (*Page[Task], error) {
	page, size := in.normalize()
	tasks, total, err := s.store.ListTasks(ctx, size, (page-1)*size)
	if err != nil {
		return nil, err
	}
	return &Page[Task]{Data: tasks, Total: total, Page: page, Size: size}, nil
}

// FindTask はコメント付きでタスクを返す。
func (s *Service) FindTask(ctx context.Context, id string) (*Task, error) {
	t, err := s.store.FindTask(ctx, id)
	if err != nil {
		return nil, err
	}
	comments, _, err := s.store.ListComments(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	t.Comments = comments
	return t, nil
}

// UpdateTask はタスクを更新し、変更があった項目の差分を付けてtask.updatedを発行する。
func (s *Service) UpdateTask(ctx context.Context, id string, in UpdateTaskInput, userID string) (*Task, error) {
	t, err := s.store.FindTask(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := applyUpdate(t, in)
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTask(ctx, t, userID, changes); err != nil {
		return nil, err
	}
	s.logger.Info("タスクを更新しました", "task_id", t.ID, "user_id", userID, "changed", len(changes))

	s.publish(ctx, func() (*event.Envelope, error) {
		return event.NewTaskUpdated(event.TaskUpdatedData{
			TaskID:      t.ID,
			Title:       t.Title,
			UpdatedByID: userID,
			AssigneeIDs: t.AssigneeIDs,
			Changes:     changes,
		})
	})
	return t, nil
}

// DeleteTask はタスクを削除する。削除はイベントを発行しない。
func (s *Service) DeleteTask(ctx context.Context, id, userID string) error {
	if err := s.store.DeleteTask(ctx, id, userID, s.now()); err != nil {
		return err
	}
	s.logger.Info("タスクを削除しました", "task_id", id, "user_id", userID)
	return nil
}

// CreateComment はコメントを追加し、タスクの担当者を通知候補としてtask.comment.createdを発行する。
func (s *Service) CreateComment(ctx context.Context, taskID string, in CreateCommentInput, authorID string) (*Comment, error) {
	t, err := s.store.FindTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	c := &Comment{
		ID:        uuid.NewString(),
		Text:      in.Text,
		TaskID:    t.ID,
		AuthorID:  authorID,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateComment(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("コメントを追加しました", "task_id", t.ID, "comment_id", c.ID, "user_id", authorID)

	s.publish(ctx, func() (*event.Envelope, error) {
		return event.NewCommentCreated(event.CommentCreatedData{
			TaskID:      t.ID,
			CommentID:   c.ID,
			Text:        c.Text,
			AuthorID:    authorID,
			TaskTitle:   t.Title,
			AssigneeIDs: t.AssigneeIDs,
		})
	})
	return c, nil
}

// ListComments はタスクのコメントを古い順に返す。タスクが存在しない場合は ErrNotFound を返す。
func (s *Service) ListComments(ctx context.Context, taskID string, in PageInput) (*Page[Comment], error) {
	if _, err := s.store.FindTask(ctx, taskID); err != nil {
		return nil, err
	}
	page, size := in.normalize()
	comments, total, err := s.store.ListComments(ctx, taskID, size, (page-1)*size)
	if err != nil {
		return nil, err
	}
	return &Page[Comment]{Data: comments, Total: total, Page: page, Size: size}, nil
}

// History はタスクの変更履歴を返す。
func (s *Service) History(ctx context.Context, taskID string) ([]History, error) {
	return s.store.ListHistory(ctx, taskID)
}

// publish はイベントを生成して発行する。
// 呼び出し元のキャンセルに影響されないよう、独立したタイムアウトで待つ。
func (s *Service) publish(ctx context.Context, build func() (*event.Envelope, error)) {
	env, err := build()
	if err != nil {
		s.logger.Error("イベントの生成に失敗", "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pctx, env); err != nil {
		level := slog.LevelWarn
		if !errors.Is(err, apperr.ErrBrokerUnavailable) && !errors.Is(err, context.DeadlineExceeded) {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "イベントの発行に失敗しました。書き込みは確定済みです",
			"event_id", env.ID, "type", env.Type, "error", err)
	}
}

// applyUpdate は入力で指定された項目をタスクに反映し、値が変わった項目の差分を返す。
func applyUpdate(t *Task, in UpdateTaskInput) map[string]event.Change {
	changes := make(map[string]event.Change)
	if in.Title != nil && *in.Title != t.Title {
		changes["title"] = event.Change{Old: t.Title, New: *in.Title}
		t.Title = *in.Title
	}
	if in.Description != nil && *in.Description != t.Description {
		changes["description"] = event.Change{Old: t.Description, New: *in.Description}
		t.Description = *in.Description
	}
	if in.DueDate != nil && (t.DueDate == nil || !in.DueDate.Equal(*t.DueDate)) {
		changes["dueDate"] = event.Change{Old: formatDate(t.DueDate), New: formatDate(in.DueDate)}
		d := in.DueDate.UTC()
		t.DueDate = &d
	}
	if in.Priority != nil && *in.Priority != t.Priority {
		changes["priority"] = event.Change{Old: t.Priority, New: *in.Priority}
		t.Priority = *in.Priority
	}
	if in.Status != nil && *in.Status != t.Status {
		changes["status"] = event.Change{Old: t.Status, New: *in.Status}
		t.Status = *in.Status
	}
	if in.AssigneeIDs != nil {
		next := uniqueIDs(in.AssigneeIDs)
		if !slices.Equal(next, t.AssigneeIDs) {
			changes["assigneeIds"] = event.Change{Old: t.AssigneeIDs, New: next}
			t.AssigneeIDs = next
		}
	}
	return changes
}

// formatDate は期日を差分用の文字列にする。未設定はnil。
func formatDate(d *time.Time) any {
	if d == nil {
		return nil
	}
	return d.UTC().Format(time.RFC3339)
}

// uniqueIDs は順序を保ったまま重複を取り除く。
func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
