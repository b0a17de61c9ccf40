package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nao1215/taskhub/pkg/apperr"
)

// taskRow はtasksテーブルの行。
type taskRow struct {
	ID          string        `db:"id"`
	Title       string        `db:"title"`
	Description string        `db:"description"`
	DueDate     sql.NullInt64 `db:"due_date"`
	Priority    string        `db:"priority"`
	Status      string        `db:"status"`
	CreatedByID string        `db:"created_by_id"`
	AssigneeIDs stringList    `db:"assignee_ids"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
}

func (r *taskRow) toTask() *Task {
	t := &Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Priority:    Priority(r.Priority),
		Status:      Status(r.Status),
		CreatedByID: r.CreatedByID,
		AssigneeIDs: []string(r.AssigneeIDs),
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, r.UpdatedAt).UTC(),
	}
	if t.AssigneeIDs == nil {
		t.AssigneeIDs = []string{}
	}
	if r.DueDate.Valid {
		d := time.Unix(0, r.DueDate.Int64).UTC()
		t.DueDate = &d
	}
	return t
}

func rowFromTask(t *Task) *taskRow {
	r := &taskRow{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Status:      string(t.Status),
		CreatedByID: t.CreatedByID,
		AssigneeIDs: stringList(t.AssigneeIDs),
		CreatedAt:   t.CreatedAt.UnixNano(),
		UpdatedAt:   t.UpdatedAt.UnixNano(),
	}
	if t.DueDate != nil {
		r.DueDate = sql.NullInt64{Int64: t.DueDate.UnixNano(), Valid: true}
	}
	return r
}

// commentRow はcommentsテーブルの行。
type commentRow struct {
	ID        string `db:"id"`
	Text      string `db:"text"`
	TaskID    string `db:"task_id"`
	AuthorID  string `db:"author_id"`
	CreatedAt int64  `db:"created_at"`
}

func (r *commentRow) toComment() Comment {
	return Comment{
		ID:        r.ID,
		Text:      r.Text,
		TaskID:    r.TaskID,
		AuthorID:  r.AuthorID,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
}

// historyRow はtask_historyテーブルの行。
type historyRow struct {
	ID          string         `db:"id"`
	TaskID      string         `db:"task_id"`
	ChangedByID string         `db:"changed_by_id"`
	Action      string         `db:"action"`
	Changes     sql.NullString `db:"changes"`
	CreatedAt   int64          `db:"created_at"`
}

// Store はタスク、コメント、変更履歴の永続化を行う。
// タスクへの書き込みは変更履歴と同じトランザクションで行う。
type Store struct {
	db *sqlx.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// CreateTask はタスクとCREATED履歴を保存する。
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO tasks (id, title, description, due_date, priority, status, created_by_id, assignee_ids, created_at, updated_at)
			VALUES (:id, :title, :description, :due_date, :priority, :status, :created_by_id, :assignee_ids, :created_at, :updated_at)`,
			rowFromTask(t)); err != nil {
			return fmt.Errorf("%w: タスクの保存に失敗: %v", apperr.ErrStoreUnavailable, err)
		}
		return insertHistory(ctx, tx, t.ID, t.CreatedByID, ActionCreated, t, t.CreatedAt)
	})
}

// UpdateTask はタスクを更新し、差分をUPDATED履歴として保存する。
func (s *Store) UpdateTask(ctx context.Context, t *Task, changedBy string, changes any) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `
			UPDATE tasks SET title = :title, description = :description, due_date = :due_date,
				priority = :priority, status = :status, assignee_ids = :assignee_ids, updated_at = :updated_at
			WHERE id = :id`, rowFromTask(t))
		if err != nil {
			return fmt.Errorf("%w: タスクの更新に失敗: %v", apperr.ErrStoreUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: タスク %s", apperr.ErrNotFound, t.ID)
		}
		return insertHistory(ctx, tx, t.ID, changedBy, ActionUpdated, changes, t.UpdatedAt)
	})
}

// DeleteTask はタスクを削除し、DELETED履歴を保存する。コメントは外部キーで連鎖削除される。
func (s *Store) DeleteTask(ctx context.Context, id, deletedBy string, at time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("%w: タスクの削除に失敗: %v", apperr.ErrStoreUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: タスク %s", apperr.ErrNotFound, id)
		}
		return insertHistory(ctx, tx, id, deletedBy, ActionDeleted, nil, at)
	})
}

// FindTask はIDでタスクを取得する。
func (s *Store) FindTask(ctx context.Context, id string) (*Task, error) {
	var r taskRow
	if err := s.db.GetContext(ctx, &r, "SELECT * FROM tasks WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: タスク %s", apperr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: タスクの取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return r.toTask(), nil
}

// ListTasks は作成日時の新しい順にタスクを返す。
func (s *Store) ListTasks(ctx context.Context, limit, offset int) ([]Task, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM tasks"); err != nil {
		return nil, 0, fmt.Errorf("%w: タスク件数の取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM tasks ORDER BY created_at DESC, id LIMIT ? OFFSET ?", limit, offset); err != nil {
		return nil, 0, fmt.Errorf("%w: タスク一覧の取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	tasks := make([]Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, *rows[i].toTask())
	}
	return tasks, total, nil
}

// CreateComment はコメントを保存する。
func (s *Store) CreateComment(ctx context.Context, c *Comment) error {
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO comments (id, text, task_id, author_id, created_at)
		VALUES (:id, :text, :task_id, :author_id, :created_at)`, &commentRow{
		ID:        c.ID,
		Text:      c.Text,
		TaskID:    c.TaskID,
		AuthorID:  c.AuthorID,
		CreatedAt: c.CreatedAt.UnixNano(),
	}); err != nil {
		return fmt.Errorf("%w: コメントの保存に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return nil
}

// ListComments は作成日時の古い順にコメントを返す。limitが0以下の場合は全件返す。
func (s *Store) ListComments(ctx context.Context, taskID string, limit, offset int) ([]Comment, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM comments WHERE task_id = ?", taskID); err != nil {
		return nil, 0, fmt.Errorf("%w: コメント件数の取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	if limit <= 0 {
		limit = -1
	}
	var rows []commentRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM comments WHERE task_id = ? ORDER BY created_at ASC, id LIMIT ? OFFSET ?",
		taskID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("%w: コメント一覧の取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	comments := make([]Comment, 0, len(rows))
	for i := range rows {
		comments = append(comments, rows[i].toComment())
	}
	return comments, total, nil
}

// ListHistory はタスクの変更履歴を古い順に返す。
func (s *Store) ListHistory(ctx context.Context, taskID string) ([]History, error) {
	var rows []historyRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM task_history WHERE task_id = ? ORDER BY created_at ASC, rowid ASC", taskID); err != nil {
		return nil, fmt.Errorf("%w: 変更履歴の取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	out := make([]History, 0, len(rows))
	for _, r := range rows {
		h := History{
			ID:          r.ID,
			TaskID:      r.TaskID,
			ChangedByID: r.ChangedByID,
			Action:      Action(r.Action),
			CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		}
		if r.Changes.Valid {
			h.Changes = json.RawMessage(r.Changes.String)
		}
		out = append(out, h)
	}
	return out, nil
}

// inTx はfnをトランザクション内で実行する。fnがエラーを返すとロールバックする。
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: トランザクションの開始に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: コミットに失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return nil
}

// insertHistory は変更履歴を1行追加する。changesがnilの場合はNULLを保存する。
func insertHistory(ctx context.Context, tx *sqlx.Tx, taskID, changedBy string, action Action, changes any, at time.Time) error {
	var encoded sql.NullString
	if changes != nil {
		b, err := json.Marshal(changes)
		if err != nil {
			return fmt.Errorf("変更履歴のエンコードに失敗: %w", err)
		}
		encoded = sql.NullString{String: string(b), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_history (id, task_id, changed_by_id, action, changes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), taskID, changedBy, string(action), encoded, at.UnixNano()); err != nil {
		return fmt.Errorf("%w: 変更履歴の保存に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return nil
}
