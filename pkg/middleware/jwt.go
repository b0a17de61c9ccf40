package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/taskhub/pkg/apperr"
)

// AccessTokenTTL はアクセストークンの既定の有効期間。
const AccessTokenTTL = 15 * time.Minute

// issuer はトークンの発行者。
const issuer = "taskhub-auth"

// JWTClaims はアクセストークンのクレームを表す。
// Subject にユーザーIDを格納する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// UserID はトークンの主体であるユーザーIDを返す。
func (c *JWTClaims) UserID() string {
	return c.Subject
}

// コンテキストキー。
const (
	contextKeyUserID = "user_id"
	contextKeyEmail  = "email"
	contextKeyToken  = "access_token"
)

// GenerateJWT はユーザー情報からHS256で署名したアクセストークンを生成する。
// ttlが0以下の場合は AccessTokenTTL を使う。
func GenerateJWT(secret, userID, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = AccessTokenTTL
	}
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		Email: email,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はアクセストークンの署名と有効期限を検証してクレームを返す。
// 検証に失敗した場合は apperr.ErrAuth をラップして返す。
func ParseJWT(secret, tokenString string) (*JWTClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: トークンがありません", apperr.ErrAuth)
	}
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: トークンの有効期限が切れています", apperr.ErrAuth)
		}
		return nil, fmt.Errorf("%w: トークンが無効です", apperr.ErrAuth)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: トークンが無効です", apperr.ErrAuth)
	}
	return claims, nil
}

// BearerToken はAuthorizationヘッダーの値からトークンを取り出す。
func BearerToken(header string) (string, bool) {
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// JWTAuth はアクセストークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにユーザーID、メールアドレス、トークンを設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			AbortWithError(c, fmt.Errorf("%w: Authorizationヘッダーが必要です", apperr.ErrAuth))
			return
		}
		tokenString, ok := BearerToken(authHeader)
		if !ok {
			AbortWithError(c, fmt.Errorf("%w: Bearer トークン形式が不正です", apperr.ErrAuth))
			return
		}

		claims, err := ParseJWT(secret, tokenString)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextKeyUserID, claims.UserID())
		c.Set(contextKeyEmail, claims.Email)
		c.Set(contextKeyToken, tokenString)
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetBearerToken はJWTAuthミドルウェアが検証したトークンを取得する。
// 下流サービスへ呼び出し元の認証情報を引き継ぐ際に使う。
func GetBearerToken(c *gin.Context) string {
	return c.GetString(contextKeyToken)
}
