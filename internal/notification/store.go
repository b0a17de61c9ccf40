package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nao1215/taskhub/pkg/apperr"
)

// notificationRow はnotificationsテーブルの行。
type notificationRow struct {
	ID        string         `db:"id"`
	Type      string         `db:"type"`
	Message   string         `db:"message"`
	UserID    string         `db:"user_id"`
	TaskID    sql.NullString `db:"task_id"`
	IsRead    bool           `db:"is_read"`
	DedupeKey sql.NullString `db:"dedupe_key"`
	CreatedAt int64          `db:"created_at"`
}

func (r *notificationRow) toNotification() *Notification {
	return &Notification{
		ID:        r.ID,
		Type:      Type(r.Type),
		Message:   r.Message,
		UserID:    r.UserID,
		TaskID:    r.TaskID.String,
		IsRead:    r.IsRead,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
}

// Store は通知の永続化を行う。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create は通知を保存する。
// DedupeKey が既存の通知と一致する場合は保存せず、既存の通知とfalseを返す。
func (s *Store) Create(ctx context.Context, in NewNotification) (*Notification, bool, error) {
	row := &notificationRow{
		ID:        uuid.NewString(),
		Type:      string(in.Type),
		Message:   in.Message,
		UserID:    in.UserID,
		TaskID:    sql.NullString{String: in.TaskID, Valid: in.TaskID != ""},
		DedupeKey: sql.NullString{String: in.DedupeKey, Valid: in.DedupeKey != ""},
		CreatedAt: s.now().UnixNano(),
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notifications (id, type, message, user_id, task_id, is_read, dedupe_key, created_at)
		VALUES (:id, :type, :message, :user_id, :task_id, 0, :dedupe_key, :created_at)
		ON CONFLICT(dedupe_key) DO NOTHING`, row)
	if err != nil {
		return nil, false, fmt.Errorf("%w: 通知の保存に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing notificationRow
		if err := s.db.GetContext(ctx, &existing, "SELECT * FROM notifications WHERE dedupe_key = ?", in.DedupeKey); err != nil {
			return nil, false, fmt.Errorf("%w: 既存の通知の取得に失敗: %v", apperr.ErrStoreUnavailable, err)
		}
		return existing.toNotification(), false, nil
	}
	return row.toNotification(), true, nil
}

// ListByUser はユーザーの通知を新しい順に返す。
// pageとsizeは1以上であること。sizeは MaxSize に切り詰める。
func (s *Store) ListByUser(ctx context.Context, userID string, page, size int) (*Page, error) {
	if page < 1 || size < 1 {
		return nil, fmt.Errorf("%w: pageとsizeは1以上を指定してください", apperr.ErrValidation)
	}
	size = min(size, MaxSize)

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM notifications WHERE user_id = ?", userID); err != nil {
		return nil, fmt.Errorf("%w: 通知件数の取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		userID, size, (page-1)*size); err != nil {
		return nil, fmt.Errorf("%w: 通知一覧の取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	data := make([]Notification, 0, len(rows))
	for i := range rows {
		data = append(data, *rows[i].toNotification())
	}
	return &Page{Data: data, Total: total, Page: page, Size: size}, nil
}

// Get はIDで通知を取得する。
func (s *Store) Get(ctx context.Context, id string) (*Notification, error) {
	var r notificationRow
	if err := s.db.GetContext(ctx, &r, "SELECT * FROM notifications WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: 通知 %s", apperr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: 通知の取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return r.toNotification(), nil
}

// MarkRead は通知を既読にする。既読の通知に対しても成功する。
func (s *Store) MarkRead(ctx context.Context, id string) (*Notification, error) {
	if _, err := s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("%w: 既読処理に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return s.Get(ctx, id)
}

// MarkAllRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("%w: 一括既読処理に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnreadCount はユーザーの未読通知数を返す。
func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0", userID); err != nil {
		return 0, fmt.Errorf("%w: 未読件数の取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return n, nil
}
