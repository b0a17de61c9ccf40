package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/taskhub/pkg/apperr"
)

// User はユーザーのDB行。
type User struct {
	// ID はユーザーの一意識別子。
	ID string `db:"id"`
	// Email はメールアドレス。
	Email string `db:"email"`
	// Username はユーザー名。
	Username string `db:"username"`
	// PasswordHash はbcryptハッシュ。
	PasswordHash string `db:"password_hash"`
	// CreatedAt は作成日時（UNIXナノ秒）。
	CreatedAt int64 `db:"created_at"`
}

// RefreshToken はリフレッシュトークンのDB行。
type RefreshToken struct {
	// ID はレコードの一意識別子。
	ID string `db:"id"`
	// TokenHash はトークンのSHA-256ダイジェスト。
	TokenHash string `db:"token_hash"`
	// UserID は所有者のユーザーID。
	UserID string `db:"user_id"`
	// ExpiresAt は有効期限（UNIXナノ秒）。
	ExpiresAt int64 `db:"expires_at"`
	// CreatedAt は作成日時（UNIXナノ秒）。
	CreatedAt int64 `db:"created_at"`
}

// Store はユーザーとリフレッシュトークンの永続化を行う。
type Store struct {
	db *sqlx.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// CreateUser はユーザーを登録する。メールアドレスかユーザー名が重複する場合は ErrConflict を返す。
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash, created_at)
		VALUES (:id, :email, :username, :password_hash, :created_at)`, u)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: メールアドレスまたはユーザー名は既に使用されています", apperr.ErrConflict)
		}
		return fmt.Errorf("%w: ユーザーの登録に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return nil
}

// FindUserByEmail はメールアドレスでユーザーを検索する。
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "SELECT * FROM users WHERE email = ?", email)
}

// FindUserByID はIDでユーザーを検索する。
func (s *Store) FindUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "SELECT * FROM users WHERE id = ?", id)
}

func (s *Store) getUser(ctx context.Context, query string, arg string) (*User, error) {
	var u User
	if err := s.db.GetContext(ctx, &u, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: ユーザー", apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: ユーザーの取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return &u, nil
}

// SaveRefreshToken はリフレッシュトークンを保存する。
func (s *Store) SaveRefreshToken(ctx context.Context, t *RefreshToken) error {
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO refresh_tokens (id, token_hash, user_id, expires_at, created_at)
		VALUES (:id, :token_hash, :user_id, :expires_at, :created_at)`, t); err != nil {
		return fmt.Errorf("%w: リフレッシュトークンの保存に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return nil
}

// FindRefreshToken はダイジェストでリフレッシュトークンを検索する。
func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var t RefreshToken
	if err := s.db.GetContext(ctx, &t, "SELECT * FROM refresh_tokens WHERE token_hash = ?", tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: リフレッシュトークン", apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: リフレッシュトークンの取得に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return &t, nil
}

// DeleteRefreshToken はリフレッシュトークンを削除する。存在しない場合も成功とする。
func (s *Store) DeleteRefreshToken(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: リフレッシュトークンの削除に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	return nil
}

// DeleteExpiredRefreshTokens は期限切れのリフレッシュトークンをまとめて削除し、削除件数を返す。
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("%w: 期限切れトークンの削除に失敗: %v", apperr.ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
