package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/taskhub/pkg/apperr"
	"github.com/nao1215/taskhub/pkg/middleware"
)

// refreshTokenBytes はリフレッシュトークンの乱数バイト数。
const refreshTokenBytes = 64

// RegisterInput はregisterコマンドの引数。
type RegisterInput struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// LoginInput はloginコマンドの引数。
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RefreshInput はrefresh / logoutコマンドの引数。
type RefreshInput struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// UserView はトークンと一緒に返すユーザー情報。
type UserView struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Session はregister / loginの結果。
type Session struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	User         UserView `json:"user"`
}

// AccessToken はrefreshの結果。
type AccessToken struct {
	AccessToken string `json:"access_token"`
}

// Service は認証処理を行う。
type Service struct {
	store      *Store
	secret     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	bcryptCost int
	now        func() time.Time
	logger     *slog.Logger
}

// ServiceOption はServiceの設定を変更する。
type ServiceOption func(*Service)

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithBcryptCost はパスワードハッシュのコストを設定する。
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) { s.bcryptCost = cost }
}

// NewService は新しいServiceを生成する。
func NewService(store *Store, cfg Config, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		secret:     cfg.JWTSecret,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
		logger:     logger.With("component", "auth-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register はユーザーを登録し、そのままログイン状態のトークンを発行する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}
	u := &User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		Username:     in.Username,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UnixNano(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("ユーザーを登録しました", "user_id", u.ID)
	return s.issue(ctx, u)
}

// Login はメールアドレスとパスワードを検証してトークンを発行する。
// 利用者が存在しない場合とパスワードが違う場合は区別せず ErrAuth を返す。
func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	u, err := s.store.FindUserByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("%w: メールアドレスまたはパスワードが違います", apperr.ErrAuth)
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)); err != nil {
		return nil, fmt.Errorf("%w: メールアドレスまたはパスワードが違います", apperr.ErrAuth)
	}
	return s.issue(ctx, u)
}

// Refresh はリフレッシュトークンを検証して新しいアクセストークンを発行する。
// 期限切れのトークンは削除したうえで ErrAuth を返し、以降は再利用できない。
func (s *Service) Refresh(ctx context.Context, in RefreshInput) (*AccessToken, error) {
	rec, err := s.store.FindRefreshToken(ctx, hashToken(in.RefreshToken))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("%w: リフレッシュトークンが無効です", apperr.ErrAuth)
		}
		return nil, err
	}

	if s.now().UnixNano() >= rec.ExpiresAt {
		if err := s.store.DeleteRefreshToken(ctx, rec.ID); err != nil {
			return nil, err
		}
		s.logger.Info("期限切れのリフレッシュトークンを削除しました", "user_id", rec.UserID)
		return nil, fmt.Errorf("%w: リフレッシュトークンの有効期限が切れています", apperr.ErrAuth)
	}

	u, err := s.store.FindUserByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("%w: ユーザーが存在しません", apperr.ErrAuth)
		}
		return nil, err
	}
	access, err := middleware.GenerateJWT(s.secret, u.ID, u.Email, s.accessTTL)
	if err != nil {
		return nil, err
	}
	return &AccessToken{AccessToken: access}, nil
}

// Logout はリフレッシュトークンを失効させる。未知のトークンでも成功とする。
func (s *Service) Logout(ctx context.Context, in RefreshInput) error {
	rec, err := s.store.FindRefreshToken(ctx, hashToken(in.RefreshToken))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.store.DeleteRefreshToken(ctx, rec.ID)
}

// PurgeExpired は期限切れのリフレッシュトークンを削除する。
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredRefreshTokens(ctx, s.now().UnixNano())
}

// issue はアクセストークンとリフレッシュトークンを発行する。
func (s *Service) issue(ctx context.Context, u *User) (*Session, error) {
	access, err := middleware.GenerateJWT(s.secret, u.ID, u.Email, s.accessTTL)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("リフレッシュトークンの生成に失敗: %w", err)
	}
	refresh := hex.EncodeToString(buf)

	now := s.now()
	if err := s.store.SaveRefreshToken(ctx, &RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: hashToken(refresh),
		UserID:    u.ID,
		ExpiresAt: now.Add(s.refreshTTL).UnixNano(),
		CreatedAt: now.UnixNano(),
	}); err != nil {
		return nil, err
	}

	return &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         UserView{ID: u.ID, Email: u.Email, Username: u.Username},
	}, nil
}

// hashToken はリフレッシュトークンの保存用ダイジェストを返す。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
